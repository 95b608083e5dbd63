package acceptance

import (
	"fmt"
	"sort"
	"strings"

	"github.com/odyssey-erp/minerp/internal/ledger"
	"github.com/odyssey-erp/minerp/internal/shared"
)

// DeriveStatus is the terminal status implied by finalized item quantities: ACCEPTED when
// nothing was rejected, REJECTED when nothing was accepted, PARTIALLY_ACCEPTED otherwise.
func DeriveStatus(items []ledger.GoodsReceiptItem) ledger.GRNStatus {
	allAccepted, allRejected := true, true
	for _, item := range items {
		if !item.RejectedQty.IsZero() {
			allAccepted = false
		}
		if !item.AcceptedQty.IsZero() {
			allRejected = false
		}
	}
	switch {
	case allAccepted:
		return ledger.GRNStatusAccepted
	case allRejected:
		return ledger.GRNStatusRejected
	default:
		return ledger.GRNStatusPartiallyAccepted
	}
}

// applyDecisions validates every decision against the receipt and returns the updated items.
// Decisions must cover each item exactly once.
func applyDecisions(grn ledger.GoodsReceipt, decisions []LineDecision) ([]ledger.GoodsReceiptItem, error) {
	byID := make(map[int64]LineDecision, len(decisions))
	for i, d := range decisions {
		line := i + 1
		if grn.Item(d.ItemID) == nil {
			return nil, &shared.RuleError{Kind: shared.ErrValidation, Entity: entity, EntityID: grn.ID, Line: line, Field: "goods_receipt_item_id",
				Rule: "must reference an item of this receipt", Detail: fmt.Sprintf("item %d", d.ItemID)}
		}
		if _, dup := byID[d.ItemID]; dup {
			return nil, &shared.RuleError{Kind: shared.ErrValidation, Entity: entity, EntityID: grn.ID, Line: line, Field: "goods_receipt_item_id",
				Rule: "item decided more than once", Detail: fmt.Sprintf("item %d", d.ItemID)}
		}
		if d.AcceptedQty.IsNegative() {
			return nil, &shared.RuleError{Kind: shared.ErrValidation, Entity: entity, EntityID: grn.ID, Line: line, Field: "accepted_qty",
				Rule: "must not be negative", Detail: d.AcceptedQty.String()}
		}
		if d.RejectedQty.IsNegative() {
			return nil, &shared.RuleError{Kind: shared.ErrValidation, Entity: entity, EntityID: grn.ID, Line: line, Field: "rejected_qty",
				Rule: "must not be negative", Detail: d.RejectedQty.String()}
		}
		received := grn.Item(d.ItemID).ReceivedQty
		if !ledger.WithinEpsilon(d.AcceptedQty.Add(d.RejectedQty), received) {
			return nil, &shared.RuleError{Kind: shared.ErrValidation, Entity: entity, EntityID: grn.ID, Line: line, Field: "accepted_qty+rejected_qty",
				Rule: "must equal received quantity", Detail: fmt.Sprintf("%s + %s != %s", d.AcceptedQty, d.RejectedQty, received)}
		}
		byID[d.ItemID] = d
	}

	var missing []string
	items := make([]ledger.GoodsReceiptItem, len(grn.Items))
	for i, item := range grn.Items {
		d, ok := byID[item.ID]
		if !ok {
			missing = append(missing, fmt.Sprintf("%d", item.ID))
			continue
		}
		item.AcceptedQty = d.AcceptedQty
		item.RejectedQty = d.RejectedQty
		if c := strings.TrimSpace(d.Condition); c != "" {
			item.Condition = c
		}
		items[i] = item
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &shared.RuleError{Kind: shared.ErrValidation, Entity: entity, EntityID: grn.ID, Field: "lines",
			Rule: "every item needs a decision", Detail: "undecided items " + strings.Join(missing, ", ")}
	}
	return items, nil
}
