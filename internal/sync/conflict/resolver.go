// Package conflict resolves divergence between locally queued mutations and
// server-confirmed state.
//
// Conflicts are never settled silently: the orchestrator files them and the
// caller picks a strategy per conflict. client_wins re-submits the local
// payload, server_wins discards it and refreshes the cache from the server's
// value, merge combines both documents field by field.
package conflict

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	engerrors "github.com/nexlearn/offline/internal/errors"
	"github.com/nexlearn/offline/internal/logging"
	"github.com/nexlearn/offline/internal/models"
)

// Outcome tells the orchestrator what a resolution requires.
type Outcome struct {
	Strategy models.ResolutionStrategy
	// Resubmit is set for client_wins and merge: Payload goes back on the
	// queue under the original action.
	Resubmit bool
	Payload  json.RawMessage
	// Refresh is set for server_wins and merge: Remote is the document the
	// essential data cache should hold afterwards.
	Refresh bool
	Remote  json.RawMessage
}

// Resolver applies resolution strategies to conflict records.
type Resolver struct{}

// NewResolver creates a Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve applies the chosen strategy to the conflict record.
func (r *Resolver) Resolve(record *models.ConflictRecord, strategy models.ResolutionStrategy) (*Outcome, error) {
	if record == nil {
		return nil, engerrors.New(engerrors.ErrInvalid, "nil conflict record")
	}
	if record.Resolved() {
		return nil, engerrors.New(engerrors.ErrConflictResolved,
			fmt.Sprintf("conflict %s already resolved as %s", record.ID, record.Resolution))
	}
	if !strategy.Valid() {
		return nil, engerrors.New(engerrors.ErrConflictStrategy,
			fmt.Sprintf("unknown strategy %q", strategy))
	}

	logging.Info("resolving conflict",
		zap.String("conflict_id", record.ID.String()),
		zap.String("record_key", record.RecordKey),
		zap.String("strategy", string(strategy)))

	switch strategy {
	case models.ResolutionClientWins:
		return &Outcome{
			Strategy: strategy,
			Resubmit: true,
			Payload:  record.LocalValue,
		}, nil

	case models.ResolutionServerWins:
		return &Outcome{
			Strategy: strategy,
			Refresh:  true,
			Remote:   record.RemoteValue,
		}, nil

	case models.ResolutionMerge:
		merged, err := Merge(record.LocalValue, record.RemoteValue)
		if err != nil {
			return nil, engerrors.Wrap(engerrors.ErrSyncConflict, "merge failed", err)
		}
		return &Outcome{
			Strategy: strategy,
			Resubmit: true,
			Payload:  merged,
			Refresh:  true,
			Remote:   merged,
		}, nil
	}

	return nil, engerrors.New(engerrors.ErrConflictStrategy, string(strategy))
}

// Merge combines local and remote JSON documents field by field. Rules are
// keyed by field name:
//
//   - completedLessons / completed_lessons: set union, local order first
//   - bestPercentage / best_percentage / watchedPercent: maximum
//   - timeSpent / time_spent: sum
//   - currentPosition / current_position: maximum
//   - anything else: local value wins, remote-only fields are kept
func Merge(local, remote json.RawMessage) (json.RawMessage, error) {
	var localDoc, remoteDoc map[string]interface{}
	if err := json.Unmarshal(local, &localDoc); err != nil {
		return nil, fmt.Errorf("local value: %w", err)
	}
	if err := json.Unmarshal(remote, &remoteDoc); err != nil {
		return nil, fmt.Errorf("remote value: %w", err)
	}

	merged := make(map[string]interface{}, len(remoteDoc)+len(localDoc))
	for k, v := range remoteDoc {
		merged[k] = v
	}

	for key, localVal := range localDoc {
		remoteVal, inRemote := merged[key]
		if !inRemote {
			merged[key] = localVal
			continue
		}
		merged[key] = mergeField(key, localVal, remoteVal)
	}

	return json.Marshal(merged)
}

func mergeField(key string, local, remote interface{}) interface{} {
	switch key {
	case "completedLessons", "completed_lessons":
		return unionStrings(local, remote)
	case "bestPercentage", "best_percentage", "watchedPercent":
		return maxNumber(local, remote)
	case "timeSpent", "time_spent":
		return sumNumbers(local, remote)
	case "currentPosition", "current_position":
		return maxNumber(local, remote)
	default:
		return local
	}
}

// unionStrings merges two JSON string arrays preserving local order, then
// appending remote-only members in their order.
func unionStrings(local, remote interface{}) interface{} {
	seen := make(map[string]bool)
	var out []interface{}

	appendAll := func(v interface{}) {
		arr, ok := v.([]interface{})
		if !ok {
			return
		}
		for _, item := range arr {
			s, ok := item.(string)
			if !ok || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}

	appendAll(local)
	appendAll(remote)
	if out == nil {
		out = []interface{}{}
	}
	return out
}

func maxNumber(local, remote interface{}) interface{} {
	l, lok := local.(float64)
	r, rok := remote.(float64)
	switch {
	case lok && rok:
		if l >= r {
			return l
		}
		return r
	case lok:
		return l
	case rok:
		return r
	default:
		return local
	}
}

func sumNumbers(local, remote interface{}) interface{} {
	l, lok := local.(float64)
	r, rok := remote.(float64)
	switch {
	case lok && rok:
		return l + r
	case lok:
		return l
	case rok:
		return r
	default:
		return local
	}
}
