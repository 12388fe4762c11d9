package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rcourtman/suite-entitlements/pkg/licensing"
	"github.com/rcourtman/suite-entitlements/pkg/money"
)

// CatalogFile is the on-disk plan catalog. Prices are written in major units
// ("99.00") and converted to minor units on load.
type CatalogFile struct {
	Plans []CatalogPlan `yaml:"plans" json:"plans"`
}

type CatalogPlan struct {
	Code      string                    `yaml:"code" json:"code"`
	ToolID    string                    `yaml:"tool" json:"tool"`
	Name      string                    `yaml:"name" json:"name"`
	Price     string                    `yaml:"price" json:"price"`
	Interval  string                    `yaml:"interval" json:"interval"`
	TrialDays int                       `yaml:"trial_days" json:"trial_days"`
	SeatLimit *int                      `yaml:"seat_limit" json:"seat_limit"`
	Features  map[string]CatalogFeature `yaml:"features" json:"features"`
}

type CatalogFeature struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Limit   *int64 `yaml:"limit" json:"limit"`
}

// LoadCatalog reads a YAML (.yml/.yaml) or JSON catalog file.
func LoadCatalog(path string) ([]licensing.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	var file CatalogFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		err = yaml.Unmarshal(data, &file)
	case ".json":
		err = json.Unmarshal(data, &file)
	default:
		return nil, fmt.Errorf("unsupported catalog format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("decode catalog %s: %w", path, err)
	}

	plans := make([]licensing.Plan, 0, len(file.Plans))
	seen := make(map[string]bool, len(file.Plans))
	for _, raw := range file.Plans {
		plan, err := raw.toPlan()
		if err != nil {
			return nil, err
		}
		if seen[plan.Code] {
			return nil, fmt.Errorf("duplicate plan code %q in catalog", plan.Code)
		}
		seen[plan.Code] = true
		plans = append(plans, plan)
	}
	return plans, nil
}

func (p CatalogPlan) toPlan() (licensing.Plan, error) {
	cents, err := money.ToCents(p.Price)
	if err != nil {
		return licensing.Plan{}, fmt.Errorf("plan %s price: %w", p.Code, err)
	}
	interval := money.Interval(strings.ToLower(strings.TrimSpace(p.Interval)))
	if money.DaysInInterval(interval) == 0 {
		return licensing.Plan{}, fmt.Errorf("plan %s: %w: %q", p.Code, money.ErrInvalidCycle, p.Interval)
	}

	plan := licensing.Plan{
		Code:       strings.TrimSpace(p.Code),
		ToolID:     strings.TrimSpace(p.ToolID),
		Name:       p.Name,
		PriceCents: cents,
		Interval:   interval,
		TrialDays:  p.TrialDays,
		SeatLimit:  p.SeatLimit,
		Features:   make(map[string]licensing.PlanFeature, len(p.Features)),
	}
	for key, f := range p.Features {
		plan.Features[key] = licensing.PlanFeature{Enabled: f.Enabled, Limit: f.Limit}
	}
	if plan.Code == "" || plan.ToolID == "" {
		return licensing.Plan{}, fmt.Errorf("catalog plan needs code and tool (got %q/%q)", plan.Code, plan.ToolID)
	}
	return plan, nil
}
