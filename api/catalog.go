package api

import "github.com/tutuCH/opcua-backend-sub000/telemetry"

// FieldInfo describes one known telemetry field.
type FieldInfo struct {
	Name        string `json:"name"`
	Unit        string `json:"unit,omitempty"`
	Description string `json:"description,omitempty"`
}

// Catalog maps categories to their known fields.
type Catalog map[telemetry.Category][]FieldInfo

// DefaultCatalog returns the stock field metadata for injection molding
// machines.
func DefaultCatalog() Catalog {
	return Catalog{
		telemetry.CategoryRealtime: {
			{Name: "oilTemp", Unit: "°C", Description: "Hydraulic oil temperature"},
			{Name: "zone1Temp", Unit: "°C", Description: "Barrel heating zone 1"},
			{Name: "zone2Temp", Unit: "°C", Description: "Barrel heating zone 2"},
			{Name: "zone3Temp", Unit: "°C", Description: "Barrel heating zone 3"},
			{Name: "zone4Temp", Unit: "°C", Description: "Barrel heating zone 4"},
			{Name: "status", Description: "Machine status code, 0 = error"},
		},
		telemetry.CategorySPC: {
			{Name: "injectionPressure", Unit: "bar", Description: "Peak injection pressure"},
			{Name: "injectionTime", Unit: "s", Description: "Fill time per cycle"},
			{Name: "cycleTime", Unit: "s", Description: "Full cycle time"},
			{Name: "cushion", Unit: "mm", Description: "Remaining melt cushion"},
			{Name: "plasticizingTime", Unit: "s", Description: "Screw recovery time"},
		},
		telemetry.CategoryTech: {
			{Name: "maxPressure", Unit: "bar", Description: "Configured pressure ceiling"},
			{Name: "targetCycleTime", Unit: "s", Description: "Configured cycle time target"},
		},
		telemetry.CategoryWarning: {
			{Name: "code", Description: "Vendor warning code"},
		},
	}
}
