package state

import (
	"errors"
	"fmt"

	jsonx "clawd/internal/shared/json"
)

// CurrentVersion is the schema written by this build. Read tolerates every
// older schema and upgrades in memory; the next write persists the upgrade.
const CurrentVersion = 2

// ErrUnknownVersion marks a state file written by a newer build. Unlike a
// corrupt file this is not quarantined: overwriting a future schema with an
// empty document would destroy live dispatches.
var ErrUnknownVersion = errors.New("state file written by a newer version")

// decodeAndMigrate parses raw state bytes at any supported schema version
// and returns the document upgraded to CurrentVersion.
func decodeAndMigrate(data []byte) (*State, error) {
	var probe struct {
		Version int `json:"version"`
	}
	if err := jsonx.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}

	var st *State
	switch probe.Version {
	case 0:
		legacy, err := decodeV0(data)
		if err != nil {
			return nil, err
		}
		st = legacy
		migrateTiers(st)
	case 1:
		decoded, err := decodeCurrent(data)
		if err != nil {
			return nil, err
		}
		st = decoded
		migrateTiers(st)
	case CurrentVersion:
		decoded, err := decodeCurrent(data)
		if err != nil {
			return nil, err
		}
		st = decoded
	default:
		return nil, fmt.Errorf("%w: version %d (supported up to %d)", ErrUnknownVersion, probe.Version, CurrentVersion)
	}

	st.Version = CurrentVersion
	st.normalize()
	return st, nil
}

func decodeCurrent(data []byte) (*State, error) {
	var st State
	if err := jsonx.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &st, nil
}

// decodeV0 reads the original flat layout, where the dispatch maps lived at
// the top level instead of under a dispatches object.
func decodeV0(data []byte) (*State, error) {
	var legacy struct {
		Active          map[string]*ActiveDispatch    `json:"activeDispatches"`
		Completed       map[string]*CompletedDispatch `json:"completedDispatches"`
		SessionMap      map[string]SessionMapping     `json:"sessionMap"`
		ProcessedEvents []string                      `json:"processedEvents"`
		Projects        map[string]*ProjectDispatch   `json:"projects"`
	}
	if err := jsonx.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("decode legacy state: %w", err)
	}
	return &State{
		Dispatches: Dispatches{
			Active:    legacy.Active,
			Completed: legacy.Completed,
		},
		SessionMap:      legacy.SessionMap,
		ProcessedEvents: legacy.ProcessedEvents,
		Projects:        legacy.Projects,
	}, nil
}

// Tier names used before version 2.
var legacyTiers = map[Tier]Tier{
	"junior": TierSmall,
	"medior": TierMedium,
	"senior": TierHigh,
}

func migrateTiers(st *State) {
	for _, d := range st.Dispatches.Active {
		if mapped, ok := legacyTiers[d.Tier]; ok {
			d.Tier = mapped
		}
	}
	for _, record := range st.Dispatches.Completed {
		if mapped, ok := legacyTiers[record.Tier]; ok {
			record.Tier = mapped
		}
	}
}
