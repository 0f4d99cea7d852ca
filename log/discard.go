package log

// discard is a Logger that drops every event. Used as the default
// logger for components constructed outside of the normal wiring path
// (e.g. in unit tests) so that nil checks aren't needed everywhere.
type discard struct{}

// Discard returns a Logger that does nothing.
func Discard() Logger { return discard{} }

func (discard) Sub(string) Logger                      { return discard{} }
func (discard) WithField(string, interface{}) Logger    { return discard{} }
func (discard) WithFields(Fields) Logger                { return discard{} }
func (discard) SetLevel(Level)                          {}
func (discard) Debug(...interface{})                    {}
func (discard) Debugf(string, ...interface{})           {}
func (discard) Info(...interface{})                     {}
func (discard) Infof(string, ...interface{})            {}
func (discard) Warning(...interface{})                  {}
func (discard) Warningf(string, ...interface{})         {}
func (discard) Error(...interface{})                    {}
func (discard) Errorf(string, ...interface{})           {}
func (discard) Panic(...interface{})                    {}
func (discard) Panicf(string, ...interface{})           {}
