package shared

import "fmt"

// AlertThrottleKey builds redis keys for alert deduplication windows.
func AlertThrottleKey(kind string, companyID, warehouseID, subjectID int64) string {
	return fmt.Sprintf("alerts:%s:%d:%d:%d", kind, companyID, warehouseID, subjectID)
}
