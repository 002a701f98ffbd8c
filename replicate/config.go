package replicate

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// UnmarshalStrict parses |raw| into |into|, rejecting unknown fields so that
// config typos surface at validate time rather than as silently-ignored keys.
func UnmarshalStrict(raw json.RawMessage, into interface{}) error {
	var dec = json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(into)
}

// LogLevel is a logrus level name, or false/empty to silence the driver.
// It accepts both JSON string and boolean false forms.
type LogLevel struct {
	Level    string
	Disabled bool
}

func (l *LogLevel) UnmarshalJSON(raw []byte) error {
	var asBool bool
	if err := json.Unmarshal(raw, &asBool); err == nil {
		if asBool {
			return fmt.Errorf("logLevel: use a level name or false")
		}
		l.Disabled = true
		return nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err != nil {
		return fmt.Errorf("logLevel: expected string or false")
	}
	l.Level = asString
	return nil
}

func (l LogLevel) MarshalJSON() ([]byte, error) {
	if l.Disabled {
		return json.Marshal(false)
	}
	return json.Marshal(l.Level)
}

// SyncStrategy selects how schema sync reconciles destination DDL.
type SyncStrategy string

const (
	// SyncAlter creates missing tables and adds missing columns.
	SyncAlter SyncStrategy = "alter"
	// SyncDropCreate drops and recreates the table. Destructive.
	SyncDropCreate SyncStrategy = "drop-create"
	// SyncValidateOnly never writes DDL; mismatches surface per OnMismatch.
	SyncValidateOnly SyncStrategy = "validate-only"
)

// MismatchPolicy selects how schema mismatches are surfaced.
type MismatchPolicy string

const (
	MismatchError  MismatchPolicy = "error"
	MismatchWarn   MismatchPolicy = "warn"
	MismatchIgnore MismatchPolicy = "ignore"
)

// SyncConfig is the schemaSync block common to schema-bearing drivers.
type SyncConfig struct {
	Enabled            bool           `json:"enabled"`
	Strategy           SyncStrategy   `json:"strategy,omitempty"`
	OnMismatch         MismatchPolicy `json:"onMismatch,omitempty"`
	AutoCreateTable    bool           `json:"autoCreateTable"`
	AutoCreateColumns  bool           `json:"autoCreateColumns"`
	DropMissingColumns bool           `json:"dropMissingColumns,omitempty"`
}

// Normalize fills strategy and policy defaults.
func (c SyncConfig) Normalize() SyncConfig {
	if c.Strategy == "" {
		c.Strategy = SyncAlter
	}
	if c.OnMismatch == "" {
		c.OnMismatch = MismatchWarn
	}
	return c
}

// Problems collects configuration violations.
func (c SyncConfig) Problems() []string {
	var out []string
	switch c.Strategy {
	case "", SyncAlter, SyncDropCreate, SyncValidateOnly:
	default:
		out = append(out, fmt.Sprintf("schemaSync.strategy %q is not one of alter, drop-create, validate-only", c.Strategy))
	}
	switch c.OnMismatch {
	case "", MismatchError, MismatchWarn, MismatchIgnore:
	default:
		out = append(out, fmt.Sprintf("schemaSync.onMismatch %q is not one of error, warn, ignore", c.OnMismatch))
	}
	return out
}

// CommonConfig is the top-level configuration block shared by every driver.
type CommonConfig struct {
	// Enabled defaults to true when absent.
	Enabled *bool `json:"enabled,omitempty"`
	// BatchConcurrency defaults to 5 when absent. Zero is rejected.
	BatchConcurrency *int       `json:"batchConcurrency,omitempty"`
	LogLevel         LogLevel   `json:"logLevel,omitempty"`
	SchemaSync       SyncConfig `json:"schemaSync,omitempty"`
}

// IsEnabled reports the effective enabled flag.
func (c CommonConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// Concurrency reports the effective batch concurrency.
func (c CommonConfig) Concurrency() int {
	if c.BatchConcurrency == nil {
		return DefaultConcurrency
	}
	return *c.BatchConcurrency
}

// LogEnabled reports whether the driver's log entry is active.
func (c CommonConfig) LogEnabled() bool { return !c.LogLevel.Disabled }

// Problems collects violations of the common block.
func (c CommonConfig) Problems() []string {
	var out []string
	if c.BatchConcurrency != nil && *c.BatchConcurrency < 1 {
		out = append(out, "batchConcurrency must be >= 1 (omit it for the default of 5)")
	}
	out = append(out, c.SchemaSync.Problems()...)
	return out
}
