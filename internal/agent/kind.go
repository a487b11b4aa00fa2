// ABOUTME: Closed set of agent kinds the coordinator knows how to run
// ABOUTME: Parsing an unknown name fails with ErrUnknownAgent instead of creating a new entry

package agent

import (
	"fmt"
	"slices"
)

// Kind identifies one agent. The set is fixed at compile time.
type Kind string

const (
	KindContentWriter     Kind = "content-writer"
	KindSEOOptimizer      Kind = "seo-optimizer"
	KindLeadIntake        Kind = "lead-intake"
	KindChatAssistant     Kind = "chat-assistant"
	KindVoiceReceptionist Kind = "voice-receptionist"
	KindCRMSync           Kind = "crm-sync"
	KindPayments          Kind = "payments"
	KindReviewMonitor     Kind = "review-monitor"
)

// ValidKinds lists all agent kinds in name order.
var ValidKinds = []Kind{
	KindChatAssistant,
	KindContentWriter,
	KindCRMSync,
	KindLeadIntake,
	KindPayments,
	KindReviewMonitor,
	KindSEOOptimizer,
	KindVoiceReceptionist,
}

// ParseKind converts a name into a Kind.
func ParseKind(name string) (Kind, error) {
	k := Kind(name)
	if !slices.Contains(ValidKinds, k) {
		return "", fmt.Errorf("%w: %q", ErrUnknownAgent, name)
	}
	return k, nil
}

// ParseKinds converts every name, stopping at the first unknown one.
func ParseKinds(names []string) ([]Kind, error) {
	kinds := make([]Kind, 0, len(names))
	for _, n := range names {
		k, err := ParseKind(n)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// AllKinds returns a copy of ValidKinds.
func AllKinds() []Kind {
	return slices.Clone(ValidKinds)
}

func (k Kind) String() string {
	return string(k)
}
