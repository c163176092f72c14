package client

// Planner is the external collaborator from spec.md §6: it decides
// which command a session sends next. SendMoreCommands is consulted
// once at banner time and again after every tagged reply, and may
// enqueue zero or more commands; CmdReplyFinish runs first, as the
// "cmd_reply_finish" hook spec.md's dispatch step calls once a tagged
// command's own callback has run. Neither may block.
type Planner interface {
	SendMoreCommands(s *Session) int
	CmdReplyFinish(s *Session)
}

// maxPlannerPump bounds how many times PumpPlanner re-consults the
// planner in one go, so a misbehaving Planner that always reports it
// sent something can't spin the caller forever.
const maxPlannerPump = 16

// PumpPlanner asks s.Planner for more commands until it reports it
// sent nothing, or maxPlannerPump iterations have run. A nil Planner
// makes this a no-op.
func (s *Session) PumpPlanner() {
	if s.Planner == nil {
		return
	}
	for i := 0; i < maxPlannerPump; i++ {
		if s.Planner.SendMoreCommands(s) <= 0 {
			return
		}
	}
}
