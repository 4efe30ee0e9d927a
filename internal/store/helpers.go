package store

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/vocab-cli/internal/model"
)

type scannable interface {
	Scan(dest ...any) error
}

func encodeTags(tags []string) ([]byte, error) {
	if tags == nil {
		tags = []string{}
	}
	b, err := json.Marshal(tags)
	return b, eris.Wrap(err, "marshal tags")
}

func decodeTags(raw []byte) ([]string, error) {
	tags := []string{}
	if len(raw) == 0 {
		return tags, nil
	}
	if err := json.Unmarshal(raw, &tags); err != nil {
		return nil, eris.Wrap(err, "unmarshal tags")
	}
	return tags, nil
}

func validateStage(stage model.Stage) error {
	switch stage {
	case model.StageClassify, model.StageTranslate:
		return nil
	default:
		return eris.Errorf("unknown stage %q", stage)
	}
}

func validateRunState(state model.RunState) error {
	if !state.Valid() {
		return eris.Errorf("invalid run state %q", state)
	}
	return nil
}

func validateModel(modelID string) error {
	if strings.TrimSpace(modelID) == "" {
		return eris.New("model id must not be empty")
	}
	return nil
}

// controlFromRows folds app_config rows into a ControlState. A missing or
// unrecognised worker_status reads as paused.
func controlFromRows(values map[string]string) model.ControlState {
	state := model.ControlState{
		RunState: model.RunState(values[keyWorkerStatus]),
		Model:    values[keyModelName],
	}
	if !state.RunState.Valid() {
		state.RunState = model.RunStatePaused
	}
	return state
}

func limitOrDefault(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}
