package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ValidateEventData checks an inbound payload against the shape of its event
// family before it enters the delivery pipeline. The event name itself is
// validated against the closed enumeration by the webhooks package.
func ValidateEventData(event string, data json.RawMessage) error {
	if len(data) == 0 {
		return fmt.Errorf("event data is required")
	}
	switch {
	case event == "test":
		return nil
	case event == "order.assigned" || event == "order.unassigned":
		var d AssignmentEventData
		if err := json.Unmarshal(data, &d); err != nil {
			return fmt.Errorf("assignment payload: %w", err)
		}
		if d.OrderID == "" {
			return fmt.Errorf("assignment payload: orderId is required")
		}
	case strings.HasPrefix(event, "order."):
		var d OrderEventData
		if err := json.Unmarshal(data, &d); err != nil {
			return fmt.Errorf("order payload: %w", err)
		}
		if d.OrderID == "" {
			return fmt.Errorf("order payload: orderId is required")
		}
	case strings.HasPrefix(event, "invoice."):
		var d InvoiceEventData
		if err := json.Unmarshal(data, &d); err != nil {
			return fmt.Errorf("invoice payload: %w", err)
		}
		if d.InvoiceID == "" {
			return fmt.Errorf("invoice payload: invoiceId is required")
		}
	case strings.HasPrefix(event, "driver."):
		var d DriverEventData
		if err := json.Unmarshal(data, &d); err != nil {
			return fmt.Errorf("driver payload: %w", err)
		}
		if d.DriverID == "" {
			return fmt.Errorf("driver payload: driverId is required")
		}
	case strings.HasPrefix(event, "vehicle."):
		var d VehicleEventData
		if err := json.Unmarshal(data, &d); err != nil {
			return fmt.Errorf("vehicle payload: %w", err)
		}
		if d.VehicleID == "" {
			return fmt.Errorf("vehicle payload: vehicleId is required")
		}
	default:
		return fmt.Errorf("unknown event family: %s", event)
	}
	return nil
}
