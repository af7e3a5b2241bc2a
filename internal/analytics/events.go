// Package analytics ships one event per gateway decision to an analytics
// store. Writers never block the request path: events are buffered and
// dropped when the buffer is full. The audit chain, not analytics, is the
// record of truth.
package analytics

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// EventWriter receives decision events. Write must never block the caller.
type EventWriter interface {
	Write(event *DecisionEvent)
	Close()
}

// DecisionEvent summarizes one gateway decision. The prompt itself is not
// stored, only its hash and length.
type DecisionEvent struct {
	CorrelationID        string
	Timestamp            time.Time
	Status               string
	Decision             string
	Reason               string
	FirewallAction       string
	FirewallRuleIDs      []string
	SemanticLevel        string
	SemanticScore        float32
	SemanticTemplateID   string
	ModerationFlagged    bool
	ModerationCategories []string
	Language             string
	BiasScore            float32
	BiasLevel            string
	PromptHash           string
	PromptLength         uint32
	AuditChainHash       string
	LatencyMs            float32
}

// HashPrompt returns the hex SHA-256 of a prompt for PromptHash.
func HashPrompt(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return hex.EncodeToString(sum[:])
}

// Nop discards events.
type Nop struct{}

func (Nop) Write(*DecisionEvent) {}
func (Nop) Close()               {}
