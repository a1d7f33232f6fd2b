package conflict

import "github.com/fjod/go_caja/pos-service/internal/domain"

// Action is a remediation a caller can pick for a conflicted line.
type Action string

const (
	AdjustToAvailable Action = "ADJUST_TO_AVAILABLE"
	RemoveLine        Action = "REMOVE_LINE"
	RetryLater        Action = "RETRY_LATER"
)

// Option is one remediation. Quantity is set for AdjustToAvailable only.
type Option struct {
	Action   Action `json:"action"`
	Quantity int32  `json:"quantity,omitempty"`
}

// Resolution lists the options for one conflicted product.
type Resolution struct {
	ProductID int64           `json:"productId"`
	Requested int32           `json:"requestedQuantity"`
	Available int32           `json:"availableQuantity"`
	Holders   []domain.Holder `json:"holders,omitempty"`
	Options   []Option        `json:"options"`
}

// Resolve maps reservation conflicts to remediation menus, in the same order.
// It does not touch stock.
func Resolve(conflicts []domain.Conflict) []Resolution {
	out := make([]Resolution, 0, len(conflicts))
	for _, c := range conflicts {
		r := Resolution{
			ProductID: c.ProductID,
			Requested: c.Requested,
			Available: c.Available,
			Holders:   c.Holders,
		}
		if c.Available > 0 {
			r.Options = append(r.Options, Option{Action: AdjustToAvailable, Quantity: c.Available})
		}
		r.Options = append(r.Options, Option{Action: RemoveLine})
		// stock held by others comes back when they release or their lease ends
		if len(c.Holders) > 0 {
			r.Options = append(r.Options, Option{Action: RetryLater})
		}
		out = append(out, r)
	}
	return out
}
