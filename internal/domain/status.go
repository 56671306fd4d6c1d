package domain

import "github.com/samber/lo"

// IntentStatus is the lifecycle state of a PaymentIntent.
type IntentStatus string

const (
	IntentCreated               IntentStatus = "created"
	IntentRequiresPaymentMethod IntentStatus = "requires_payment_method"
	IntentRequiresConfirmation  IntentStatus = "requires_confirmation"
	IntentRequiresAction        IntentStatus = "requires_action"
	IntentProcessing            IntentStatus = "processing"
	IntentSucceeded             IntentStatus = "succeeded"
	IntentCancelled             IntentStatus = "cancelled"
)

// intentOrder is the forward path; cancelled sits outside it.
var intentOrder = []IntentStatus{
	IntentCreated,
	IntentRequiresPaymentMethod,
	IntentRequiresConfirmation,
	IntentRequiresAction,
	IntentProcessing,
	IntentSucceeded,
}

// TransactionStatus is the lifecycle state of a Transaction.
type TransactionStatus string

const (
	TransactionPending    TransactionStatus = "pending"
	TransactionProcessing TransactionStatus = "processing"
	TransactionSucceeded  TransactionStatus = "succeeded"
	TransactionFailed     TransactionStatus = "failed"
	TransactionCancelled  TransactionStatus = "cancelled"
	TransactionRefunded   TransactionStatus = "refunded"
)

// RefundStatus is the lifecycle state of a Refund.
type RefundStatus string

const (
	RefundPending    RefundStatus = "pending"
	RefundProcessing RefundStatus = "processing"
	RefundSucceeded  RefundStatus = "succeeded"
	RefundFailed     RefundStatus = "failed"
	RefundCancelled  RefundStatus = "cancelled"
)

// TransactionType distinguishes money movements.
type TransactionType string

const (
	TransactionTypePayment TransactionType = "payment"
	TransactionTypeRefund  TransactionType = "refund"
	TransactionTypePayout  TransactionType = "payout"
)

// Transition classifies a requested status change against the current status.
type Transition int

const (
	// TransitionApply means the change moves the entity forward.
	TransitionApply Transition = iota
	// TransitionNoop means the entity already holds the requested status.
	TransitionNoop
	// TransitionRejected means the change would move backward or out of a terminal state.
	TransitionRejected
)

func (t Transition) String() string {
	switch t {
	case TransitionApply:
		return "apply"
	case TransitionNoop:
		return "noop"
	default:
		return "rejected"
	}
}

// Valid reports whether s is a known intent status.
func (s IntentStatus) Valid() bool {
	return s == IntentCancelled || lo.Contains(intentOrder, s)
}

// IsTerminal reports whether no further transition may leave s.
func (s IntentStatus) IsTerminal() bool {
	return s == IntentSucceeded || s == IntentCancelled
}

// IntentPredecessors lists the statuses from which to can be entered.
// Cancellation is reachable from any non-terminal status; every other status
// only from statuses strictly earlier on the forward path.
func IntentPredecessors(to IntentStatus) []IntentStatus {
	if to == IntentCancelled {
		return lo.Filter(intentOrder, func(s IntentStatus, _ int) bool { return !s.IsTerminal() })
	}
	idx := lo.IndexOf(intentOrder, to)
	if idx <= 0 {
		return nil
	}
	return append([]IntentStatus(nil), intentOrder[:idx]...)
}

// ClassifyIntentTransition decides how a move from current to next is handled.
func ClassifyIntentTransition(current, next IntentStatus) Transition {
	if current == next {
		return TransitionNoop
	}
	if lo.Contains(IntentPredecessors(next), current) {
		return TransitionApply
	}
	return TransitionRejected
}

// Valid reports whether s is a known transaction status.
func (s TransactionStatus) Valid() bool {
	switch s {
	case TransactionPending, TransactionProcessing, TransactionSucceeded,
		TransactionFailed, TransactionCancelled, TransactionRefunded:
		return true
	}
	return false
}

// IsTerminal reports whether s is final for processor-driven outcomes.
// succeeded only moves on to refunded through the refund path.
func (s TransactionStatus) IsTerminal() bool {
	switch s {
	case TransactionSucceeded, TransactionFailed, TransactionCancelled, TransactionRefunded:
		return true
	}
	return false
}

// TransactionPredecessors lists the statuses from which to can be entered.
func TransactionPredecessors(to TransactionStatus) []TransactionStatus {
	switch to {
	case TransactionProcessing:
		return []TransactionStatus{TransactionPending}
	case TransactionSucceeded, TransactionFailed, TransactionCancelled:
		return []TransactionStatus{TransactionPending, TransactionProcessing}
	case TransactionRefunded:
		return []TransactionStatus{TransactionSucceeded}
	}
	return nil
}

// ClassifyTransactionTransition decides how a move from current to next is handled.
func ClassifyTransactionTransition(current, next TransactionStatus) Transition {
	if current == next {
		return TransitionNoop
	}
	if lo.Contains(TransactionPredecessors(next), current) {
		return TransitionApply
	}
	return TransitionRejected
}

// Valid reports whether s is a known refund status.
func (s RefundStatus) Valid() bool {
	switch s {
	case RefundPending, RefundProcessing, RefundSucceeded, RefundFailed, RefundCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether s is final.
func (s RefundStatus) IsTerminal() bool {
	return s == RefundSucceeded || s == RefundFailed || s == RefundCancelled
}

// ReservesBalance reports whether a refund in status s counts against the refundable balance.
func (s RefundStatus) ReservesBalance() bool {
	return s == RefundPending || s == RefundProcessing || s == RefundSucceeded
}

// RefundPredecessors lists the statuses from which to can be entered.
func RefundPredecessors(to RefundStatus) []RefundStatus {
	switch to {
	case RefundProcessing:
		return []RefundStatus{RefundPending}
	case RefundSucceeded, RefundFailed, RefundCancelled:
		return []RefundStatus{RefundPending, RefundProcessing}
	}
	return nil
}

// ClassifyRefundTransition decides how a move from current to next is handled.
func ClassifyRefundTransition(current, next RefundStatus) Transition {
	if current == next {
		return TransitionNoop
	}
	if lo.Contains(RefundPredecessors(next), current) {
		return TransitionApply
	}
	return TransitionRejected
}

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	return t == TransactionTypePayment || t == TransactionTypeRefund || t == TransactionTypePayout
}
