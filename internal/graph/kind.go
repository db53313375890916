package graph

import (
	"fmt"
	"strings"
)

// NodeKind is the closed set of work node kinds. Unknown kinds are rejected
// when a definition is decoded, so code switching on a kind can rely on one
// of the constants below.
type NodeKind string

const (
	KindPhase        NodeKind = "PHASE"
	KindAction       NodeKind = "ACTION"
	KindInterface    NodeKind = "INTERFACE"
	KindCheckpoint   NodeKind = "CHECKPOINT"
	KindNotification NodeKind = "NOTIFICATION"
)

var kinds = []NodeKind{KindPhase, KindAction, KindInterface, KindCheckpoint, KindNotification}

func Kinds() []NodeKind {
	return append([]NodeKind(nil), kinds...)
}

func ParseKind(raw string) (NodeKind, error) {
	candidate := NodeKind(strings.ToUpper(strings.TrimSpace(raw)))
	for _, k := range kinds {
		if k == candidate {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown node kind %q", raw)
}

func (k NodeKind) Valid() bool {
	_, err := ParseKind(string(k))
	return err == nil
}

func (k NodeKind) String() string { return string(k) }

func (k NodeKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("unknown node kind %q", string(k))
	}
	return []byte(k), nil
}

func (k *NodeKind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// JoinMode controls how a node with several predecessors becomes ready.
type JoinMode string

const (
	// JoinAll waits for every predecessor to complete.
	JoinAll JoinMode = "all"
	// JoinAny runs once every predecessor is settled and at least one completed.
	JoinAny JoinMode = "any"
)

func ParseJoin(raw string) (JoinMode, error) {
	switch JoinMode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", JoinAll:
		return JoinAll, nil
	case JoinAny:
		return JoinAny, nil
	default:
		return "", fmt.Errorf("unknown join mode %q", raw)
	}
}

func (j *JoinMode) UnmarshalText(text []byte) error {
	parsed, err := ParseJoin(string(text))
	if err != nil {
		return err
	}
	*j = parsed
	return nil
}
