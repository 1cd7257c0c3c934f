package pipeline

import (
	_ "embed"
	"fmt"
	"sync"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/clipsight/clipsight/internal/model"
)

//go:embed focus_presets.yaml
var focusPresetsYAML []byte

type focusPreset struct {
	Tone string `yaml:"tone"`
}

type focusPresetFile struct {
	Presets map[string]focusPreset `yaml:"presets"`
}

var (
	presetsOnce sync.Once
	presets     map[string]focusPreset
	presetsErr  error
)

func loadPresets() (map[string]focusPreset, error) {
	presetsOnce.Do(func() {
		var f focusPresetFile
		if err := yaml.Unmarshal(focusPresetsYAML, &f); err != nil {
			presetsErr = eris.Wrap(err, "pipeline: parse focus presets")
			return
		}
		presets = f.Presets
	})
	return presets, presetsErr
}

// systemInstruction builds the system prompt for a focus: the focus tone
// followed by the fixed output contract.
func systemInstruction(focus model.Focus, ideaCount int) (string, error) {
	p, err := loadPresets()
	if err != nil {
		return "", err
	}
	preset, ok := p[string(focus)]
	if !ok {
		return "", eris.Errorf("pipeline: no preset for focus %q", focus)
	}

	return preset.Tone + "\n\n" + fmt.Sprintf(`Analyze the provided video dataset and respond with a single JSON object:
{
  "summary": "what is working in this dataset and why",
  "content_pillars": ["recurring themes driving engagement"],
  "hooks": ["opening patterns that held attention"],
  "video_ideas": [{"title": "", "concept": "", "hook": ""}],
  "recommendations": ["concrete next actions"]
}
Propose exactly %d video_ideas. Respond with JSON only, no surrounding prose.`, ideaCount), nil
}
