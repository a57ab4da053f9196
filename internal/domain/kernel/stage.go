package kernel

// Stage is a state of a single Execute call.
//
//	PENDING → IDENTITY_CHECKED → CONTEXT_VALID → SCOPED → AUTHORIZED →
//	EXECUTED → AUDITED → {DONE, FAILED}
type Stage int

const (
	StagePending Stage = iota
	StageIdentityChecked
	StageContextValid
	StageScoped
	StageAuthorized
	StageExecuted
	StageAudited
	StageDone
	StageFailed
)

var stageNames = [...]string{
	StagePending:         "PENDING",
	StageIdentityChecked: "IDENTITY_CHECKED",
	StageContextValid:    "CONTEXT_VALID",
	StageScoped:          "SCOPED",
	StageAuthorized:      "AUTHORIZED",
	StageExecuted:        "EXECUTED",
	StageAudited:         "AUDITED",
	StageDone:            "DONE",
	StageFailed:          "FAILED",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "UNKNOWN"
	}
	return stageNames[s]
}

// Terminal reports whether s ends an invocation.
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageFailed
}
