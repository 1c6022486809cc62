package store

import (
	"encoding/json"
	"strings"
)

// PolicyConditions is the canonical, normalized form of a policy's matching
// predicate. The persisted JSON is duck-typed (scalar-or-list values, a few
// historical key spellings); ParseConditions is the single place that shape
// is dealt with, so matching logic only ever sees this struct.
type PolicyConditions struct {
	Severities  []string `json:"severity,omitempty"`
	AnySeverity bool     `json:"any_severity,omitempty"`
	AreaIDs     []string `json:"area_id,omitempty"`
	AnyArea     bool     `json:"any_area,omitempty"`
	AssetTypes  []string `json:"asset_type,omitempty"`
	AnyAsset    bool     `json:"any_asset,omitempty"`
	TimeWindows []string `json:"time_window,omitempty"`
}

func (c PolicyConditions) SeverityConstrained() bool {
	return !c.AnySeverity && len(c.Severities) > 0
}

func (c PolicyConditions) AreaConstrained() bool {
	return !c.AnyArea && len(c.AreaIDs) > 0
}

func (c PolicyConditions) AssetConstrained() bool {
	return !c.AnyAsset && len(c.AssetTypes) > 0
}

func (c PolicyConditions) TimeConstrained() bool {
	return len(c.TimeWindows) > 0
}

// ParseConditions normalizes the raw conditions blob. Unknown keys are
// ignored; scalar strings become single-element lists; the literal "any"
// (case-insensitive) marks a dimension as explicitly unconstrained.
func ParseConditions(raw string) PolicyConditions {
	var blob map[string]any
	if strings.TrimSpace(raw) != "" {
		_ = json.Unmarshal([]byte(raw), &blob)
	}
	var c PolicyConditions
	c.Severities, c.AnySeverity = conditionList(blob, "severity", "severities")
	c.AreaIDs, c.AnyArea = conditionList(blob, "areaId", "area_id", "area", "areaIds")
	c.AssetTypes, c.AnyAsset = conditionList(blob, "assetType", "asset_type", "assetTypes", "asset_types")
	c.TimeWindows, _ = conditionList(blob, "timeWindow", "time_window", "timeWindows", "time_windows")
	return c
}

// encode writes the canonical persisted shape; explicitly unconstrained
// dimensions round-trip as the ["any"] sentinel.
func (c PolicyConditions) encode() string {
	blob := map[string]any{}
	put := func(key string, values []string, anyFlag bool) {
		if anyFlag {
			blob[key] = []string{"any"}
			return
		}
		if len(values) > 0 {
			blob[key] = values
		}
	}
	put("severity", c.Severities, c.AnySeverity)
	put("areaId", c.AreaIDs, c.AnyArea)
	put("assetType", c.AssetTypes, c.AnyAsset)
	put("timeWindow", c.TimeWindows, false)
	b, err := json.Marshal(blob)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func conditionList(blob map[string]any, keys ...string) ([]string, bool) {
	for _, key := range keys {
		val, ok := blob[key]
		if !ok {
			continue
		}
		var values []string
		switch v := val.(type) {
		case string:
			values = []string{v}
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					values = append(values, s)
				}
			}
		}
		var clean []string
		anySentinel := false
		for _, v := range values {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			if strings.EqualFold(v, "any") {
				anySentinel = true
				continue
			}
			clean = append(clean, v)
		}
		if anySentinel {
			return nil, true
		}
		return clean, false
	}
	return nil, false
}
