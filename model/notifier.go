package model

import "context"

// Notifier surfaces user-facing messages: server toasts and background
// failures such as a resync that could not fetch.
type Notifier interface {
	Notify(ctx context.Context, toast ShowToastEvent)
}

// Toast types.
const (
	ToastInfo    = "info"
	ToastWarning = "warning"
	ToastError   = "error"
)
