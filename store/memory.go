package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/manningwu07/chatlm/errs"
	"github.com/manningwu07/chatlm/params"
)

// Memory implements CorpusStore and ModelStore in process memory.
// Records are stored as JSON so callers never share slices with the store.
type Memory struct {
	mu      sync.Mutex
	texts   []string
	pairs   []params.Example
	records map[string][]byte
}

func NewMemory() *Memory {
	return &Memory{records: make(map[string][]byte)}
}

func (m *Memory) GetTrainingTexts(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.texts...), nil
}

func (m *Memory) AddTrainingText(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}
	m.mu.Lock()
	m.texts = append(m.texts, text)
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetConversationPairs(ctx context.Context, f Filter) ([]params.Example, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []params.Example
	for _, ex := range m.pairs {
		if f.match(ex.Meta) {
			out = append(out, ex)
		}
	}
	return lastN(out, f.Limit), nil
}

func (m *Memory) AddConversation(ctx context.Context, input, output string, meta params.Metadata) error {
	return m.addPair(ctx, params.Example{Input: input, Output: output, Meta: withSource(meta, SourceConversation)})
}

func (m *Memory) AddFeedback(ctx context.Context, input, prior, correction string, meta params.Metadata) error {
	return m.addPair(ctx, params.Example{Input: input, Output: correction, Prior: prior, Meta: withSource(meta, SourceFeedback)})
}

func (m *Memory) addPair(ctx context.Context, ex params.Example) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}
	m.mu.Lock()
	m.pairs = append(m.pairs, ex)
	m.mu.Unlock()
	return nil
}

func (m *Memory) put(ctx context.Context, recs map[string]any) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}
	enc := make(map[string][]byte, len(recs))
	for k, v := range recs {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("%w: encode %s: %v", errs.ErrStorage, k, err)
		}
		enc[k] = b
	}
	m.mu.Lock()
	for k, b := range enc {
		m.records[k] = b
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) get(ctx context.Context, key string, dst any) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("%w: %v", errs.ErrStorage, err)
	}
	m.mu.Lock()
	b, ok := m.records[key]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return false, fmt.Errorf("%w: decode %s: %v", errs.ErrStorage, key, err)
	}
	return true, nil
}

func (m *Memory) SaveWeights(ctx context.Context, blob []byte) error {
	return m.put(ctx, map[string]any{keyWeights: blob})
}

func (m *Memory) LoadWeights(ctx context.Context) ([]byte, bool, error) {
	var b []byte
	ok, err := m.get(ctx, keyWeights, &b)
	return b, ok, err
}

func (m *Memory) SaveVocabulary(ctx context.Context, v params.Vocabulary) error {
	return m.put(ctx, map[string]any{keyVocabulary: v})
}

func (m *Memory) LoadVocabulary(ctx context.Context) (params.Vocabulary, bool, error) {
	var v params.Vocabulary
	ok, err := m.get(ctx, keyVocabulary, &v)
	return v, ok, err
}

func (m *Memory) SaveConfig(ctx context.Context, c params.ModelConfig) error {
	return m.put(ctx, map[string]any{keyConfig: c})
}

func (m *Memory) LoadConfig(ctx context.Context) (params.ModelConfig, bool, error) {
	var c params.ModelConfig
	ok, err := m.get(ctx, keyConfig, &c)
	return c, ok, err
}

func (m *Memory) SaveMetrics(ctx context.Context, mt params.Metrics) error {
	return m.put(ctx, map[string]any{keyMetrics: mt})
}

func (m *Memory) LoadMetrics(ctx context.Context) (params.Metrics, bool, error) {
	var mt params.Metrics
	ok, err := m.get(ctx, keyMetrics, &mt)
	return mt, ok, err
}

func (m *Memory) SaveSnapshot(ctx context.Context, s Snapshot) error {
	return m.put(ctx, map[string]any{
		keyConfig:     s.Config,
		keyVocabulary: s.Vocabulary,
		keyWeights:    s.Weights,
		keyMetrics:    s.Metrics,
	})
}
