package schema

import (
	"strings"
	"time"
)

// CoreMachine is the domain record of a provider machine image.
// It is rebuilt from the live driver result on every request; Version guards concurrent edits.
type CoreMachine struct {
	ID          string            `json:"alias"`
	ProviderID  string            `json:"provider"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Tags        []string          `json:"tags"`
	CreatedBy   string            `json:"created_by"`
	StartDate   time.Time         `json:"start_date"`
	EndDate     *time.Time        `json:"end_date"`
	Metadata    map[string]string `json:"metadata"`
	Version     int64             `json:"version"`
}

// Clone returns a deep copy of the record.
func (m *CoreMachine) Clone() *CoreMachine {
	out := *m
	if m.Tags != nil {
		out.Tags = append([]string(nil), m.Tags...)
	}
	if m.Metadata != nil {
		out.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	if m.EndDate != nil {
		end := *m.EndDate
		out.EndDate = &end
	}
	return &out
}

// EndDated reports whether the machine was retired at or before now.
func (m *CoreMachine) EndDated(now time.Time) bool {
	return m.EndDate != nil && !m.EndDate.After(now)
}

// MachineUpdate is the editable subset of a machine.
// Nil fields are left untouched.
type MachineUpdate struct {
	Name        *string           `json:"name,omitempty" binding:"omitempty,min=1,max=256"`
	Description *string           `json:"description,omitempty" binding:"omitempty,max=4096"`
	Tags        []string          `json:"tags,omitempty" binding:"omitempty,max=32,dive,min=1,max=64"`
	Metadata    map[string]string `json:"metadata,omitempty" binding:"omitempty,max=64,dive,keys,min=1,max=128,endkeys,max=1024"`
	Version     *int64            `json:"version,omitempty"`
}

// Apply writes the non-nil fields of u onto m.
func (u *MachineUpdate) Apply(m *CoreMachine) {
	if u.Name != nil {
		m.Name = *u.Name
	}
	if u.Description != nil {
		m.Description = *u.Description
	}
	if u.Tags != nil {
		m.Tags = append([]string(nil), u.Tags...)
	}
	if len(u.Metadata) > 0 {
		if m.Metadata == nil {
			m.Metadata = make(map[string]string, len(u.Metadata))
		}
		for k, v := range u.Metadata {
			m.Metadata[k] = v
		}
	}
}

// DriverMetadata is the metadata payload pushed back to the provider image.
func (u *MachineUpdate) DriverMetadata() map[string]string {
	out := make(map[string]string, len(u.Metadata)+3)
	for k, v := range u.Metadata {
		out[k] = v
	}
	if u.Name != nil {
		out["name"] = *u.Name
	}
	if u.Description != nil {
		out["description"] = *u.Description
	}
	if u.Tags != nil {
		out["tags"] = strings.Join(u.Tags, ",")
	}
	return out
}
