package enums

import "fmt"

// NotificationType names the customer facing message a notification intent asks for.
type NotificationType string

const (
	NotificationTypeOrderPlaced      NotificationType = "order_placed"
	NotificationTypePaymentConfirmed NotificationType = "payment_confirmed"
	NotificationTypePaymentRejected  NotificationType = "payment_rejected"
	NotificationTypeOrderCancelled   NotificationType = "order_cancelled"
	NotificationTypeOrderShipped     NotificationType = "order_shipped"
	NotificationTypeOrderDelivered   NotificationType = "order_delivered"
	NotificationTypeReturnRequested  NotificationType = "return_requested"
	NotificationTypeRefundProcessed  NotificationType = "refund_processed"
	NotificationTypeChargebackOpened NotificationType = "chargeback_opened"
)

var validNotificationTypes = []NotificationType{
	NotificationTypeOrderPlaced,
	NotificationTypePaymentConfirmed,
	NotificationTypePaymentRejected,
	NotificationTypeOrderCancelled,
	NotificationTypeOrderShipped,
	NotificationTypeOrderDelivered,
	NotificationTypeReturnRequested,
	NotificationTypeRefundProcessed,
	NotificationTypeChargebackOpened,
}

// IsValid reports whether the value is a known NotificationType.
func (n NotificationType) IsValid() bool {
	for _, candidate := range validNotificationTypes {
		if candidate == n {
			return true
		}
	}
	return false
}

// ParseNotificationType converts raw input into a NotificationType.
func ParseNotificationType(value string) (NotificationType, error) {
	for _, candidate := range validNotificationTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid notification type %q", value)
}
