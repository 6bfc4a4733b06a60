package task

// 调度按优先级分层：数值越小的层越先被取出，层内按入队顺序执行。
const (
	BandUrgent = 0
	BandHigh   = 1
	BandNormal = 2
	BandLow    = 3

	// BandCount 为分层总数，队列驱动依赖该值划分子队列。
	BandCount = 4
)

// PriorityFunc 将任务描述映射到调度分层，允许部署方替换排序策略。
type PriorityFunc func(spec *Spec) int

// DefaultPriorityFunc 按声明的优先级字段映射分层，未知取值落入 normal 层。
func DefaultPriorityFunc(spec *Spec) int {
	if spec == nil {
		return BandNormal
	}
	switch spec.Priority {
	case PriorityUrgent:
		return BandUrgent
	case PriorityHigh:
		return BandHigh
	case PriorityLow:
		return BandLow
	default:
		return BandNormal
	}
}

// ClampBand 将任意分层值收敛到合法区间。
func ClampBand(band int) int {
	if band < BandUrgent {
		return BandUrgent
	}
	if band > BandLow {
		return BandLow
	}
	return band
}
