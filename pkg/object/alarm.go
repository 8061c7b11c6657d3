package object

// Alarm is a named alert surfaced to clients on demand. Admin and Debug
// narrow its audience; Enabled gates whether it shows up in the digest
// at all.
type Alarm struct {
	Title   string
	Message string
	Enabled bool
	Admin   bool
	Debug   bool
}

// VisibleTo reports whether the alarm should appear in the digest built
// for the given user. Admin alarms are only shown to the admin user,
// debug alarms only to the debug user.
func (a *Alarm) VisibleTo(user string) bool {
	if !a.Enabled {
		return false
	}
	if a.Admin && user != "admin" {
		return false
	}
	if a.Debug && user != "debug" {
		return false
	}
	return true
}
