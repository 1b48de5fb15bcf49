package server

// RejectReason 移动被拒绝的原因
type RejectReason int

const (
	RejectNone RejectReason = iota
	RejectOutOfBounds
	RejectNotAdjacent // 非单轴单步：斜走、跳格、原地
	RejectOccupied    // 目标格有静态元素或其他参与者
)

func (r RejectReason) String() string {
	switch r {
	case RejectNone:
		return "none"
	case RejectOutOfBounds:
		return "out_of_bounds"
	case RejectNotAdjacent:
		return "not_adjacent"
	case RejectOccupied:
		return "occupied"
	default:
		return "unknown"
	}
}

// ValidateMove 纯函数：判断从 cur 到 target 的一步是否合法。
// occupied 报告除移动者自身以外被占用的格子。
// 返回移动后的位置（被拒绝时为 cur）与拒绝原因。
func ValidateMove(cur, target Cell, width, height int, occupied func(Cell) bool) (Cell, RejectReason) {
	if target.X < 0 || target.Y < 0 || target.X >= width || target.Y >= height {
		return cur, RejectOutOfBounds
	}
	if abs(target.X-cur.X)+abs(target.Y-cur.Y) != 1 {
		return cur, RejectNotAdjacent
	}
	if occupied != nil && occupied(target) {
		return cur, RejectOccupied
	}
	return target, RejectNone
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
