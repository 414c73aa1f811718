package types

// 允许的状态迁移。Completed 不在表中：它是终态，由写路径单独处理
var transitions = map[TaskStatus][]TaskStatus{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusProcessing, StatusCompleted, StatusFailed, StatusReassigned},
	StatusReassigned: {StatusProcessing, StatusCompleted, StatusFailed},
	StatusFailed:     {StatusProcessing},
}

// CanTransition 只看状态表，不检查重试预算
func (s TaskStatus) CanTransition(to TaskStatus) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}
