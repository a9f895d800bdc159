package domain

import (
	"time"
)

// Template is a reusable, pre-filled rule blueprint. Templates are seeded
// out-of-band; the engine only reads them and bumps popularity on use.
type Template struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Category        string     `json:"category"`
	Conditions      Conditions `json:"conditionsTemplate"`
	Action          Action     `json:"actionsTemplate"`
	DefaultPriority int        `json:"defaultPriority"`
	PopularityScore int64      `json:"popularityScore"`
	IsOfficial      bool       `json:"isOfficial"`
	CreatedAt       time.Time  `json:"createdAt"`
}

// TemplateCustomization is the user input for instantiating a template.
type TemplateCustomization struct {
	Name               string      `json:"name,omitempty"`
	TargetCategoryID   string      `json:"targetCategoryId"`
	ConditionOverrides *Conditions `json:"conditionOverrides,omitempty"`
	Priority           *int        `json:"priority,omitempty"`

	// ActivateImmediately controls whether the instantiated rule starts
	// active or as a draft.
	ActivateImmediately bool `json:"activateImmediately"`
}
