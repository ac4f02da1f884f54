// Package prompt composes system prompts and proactive speech prompts
// from XML templates on disk.
//
// Layout under the config dir:
//
//	prompts/agents/<agentID>/core.xml             persona core template
//	prompts/agents/<agentID>/proactive_config.json
//	prompts/scenes/<scene>.xml                    scene module, injected as {{SCENE_MODULE}}
//	prompts/games/<gameType>_fast.xml             full replacement template while a game runs
package prompt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/voxalabs/voxroom/internal/domain"
)

// Vars are template variables. Keys appear in templates as {{KEY}}.
type Vars map[string]string

// Level extends the silence ladder with the welcome prompt used when an
// agent first joins a room.
const LevelWelcome = "welcome"

var placeholderRe = regexp.MustCompile(`\{\{([A-Za-z0-9_]+)\}\}`)

// ProactiveConfig holds per-persona templates for proactive speech,
// keyed by scene and silence level.
type ProactiveConfig struct {
	Welcome       map[string]string            `json:"welcome"`
	Silence       map[string]map[string]string `json:"silence"`
	ContextPrefix string                       `json:"context_prefix"`
}

// Composer renders prompts from the template tree. Scene modules and
// proactive configs are cached after first load; core and game
// templates are re-read every time so edits apply without restart.
type Composer struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time

	mu             sync.Mutex
	sceneCache     map[domain.SceneType]string
	proactiveCache map[string]*ProactiveConfig
}

// NewComposer creates a composer rooted at configDir/prompts.
func NewComposer(configDir string, logger *slog.Logger) *Composer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Composer{
		dir:            filepath.Join(configDir, "prompts"),
		logger:         logger,
		now:            time.Now,
		sceneCache:     make(map[domain.SceneType]string),
		proactiveCache: make(map[string]*ProactiveConfig),
	}
}

// Compose builds the full system prompt for an agent in a scene.
//
// When overrides carry a GAME_TYPE and a matching game template exists,
// that template replaces the core template entirely and no scene module
// is injected. Otherwise the scene module is rendered into
// {{SCENE_MODULE}} of the core template.
func (c *Composer) Compose(agentID string, scene domain.SceneType, overrides Vars) (string, error) {
	corePath := filepath.Join(c.dir, "agents", agentID, "core.xml")
	template, err := os.ReadFile(corePath)
	if err != nil {
		return "", fmt.Errorf("load core template for agent %s: %w", agentID, err)
	}

	vars := c.defaultVars()
	for k, v := range overrides {
		vars[k] = v
	}

	if gameType := vars["GAME_TYPE"]; gameType != "" {
		gamePath := filepath.Join(c.dir, "games", gameType+"_fast.xml")
		if gameTemplate, gameErr := os.ReadFile(gamePath); gameErr == nil {
			template = gameTemplate
			// game templates are self-contained
			vars["SCENE_MODULE"] = ""
		} else {
			c.logger.Warn("game template missing, using core template", "game_type", gameType, "path", gamePath)
			vars["SCENE_MODULE"] = c.loadSceneModule(scene)
		}
	} else {
		vars["SCENE_MODULE"] = c.loadSceneModule(scene)
	}

	vars["SCENE_TYPE"] = sceneDisplayName(scene)

	return render(string(template), vars), nil
}

// ProactivePrompt builds the prompt that nudges the agent to speak on
// its own: the welcome line on join, or the silence line for a level.
// An empty return means this scene/level stays quiet.
func (c *Composer) ProactivePrompt(agentID string, scene domain.SceneType, level string, overrides Vars) string {
	cfg := c.proactiveConfig(agentID)

	var template string
	if level == LevelWelcome {
		template = cfg.Welcome[string(scene)]
		if template == "" {
			template = cfg.Welcome[string(domain.SceneChat)]
		}
	} else if byLevel, ok := cfg.Silence[string(scene)]; ok {
		template = byLevel[level]
	}
	if template == "" {
		return ""
	}

	vars := c.defaultVars()
	for k, v := range overrides {
		vars[k] = v
	}
	return render(cfg.ContextPrefix+template, vars)
}

// ClearCache drops cached scene modules and proactive configs.
func (c *Composer) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sceneCache = make(map[domain.SceneType]string)
	c.proactiveCache = make(map[string]*ProactiveConfig)
}

func (c *Composer) loadSceneModule(scene domain.SceneType) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cached, ok := c.sceneCache[scene]; ok {
		return cached
	}

	path := filepath.Join(c.dir, "scenes", string(scene)+".xml")
	data, err := os.ReadFile(path)
	if err != nil {
		c.logger.Warn("scene module not found", "scene", scene, "path", path)
		return ""
	}
	c.sceneCache[scene] = string(data)
	return string(data)
}

func (c *Composer) proactiveConfig(agentID string) *ProactiveConfig {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cached, ok := c.proactiveCache[agentID]; ok {
		return cached
	}

	path := filepath.Join(c.dir, "agents", agentID, "proactive_config.json")
	data, err := os.ReadFile(path)
	if err == nil {
		var cfg ProactiveConfig
		if jsonErr := json.Unmarshal(data, &cfg); jsonErr == nil {
			c.proactiveCache[agentID] = &cfg
			return &cfg
		}
		c.logger.Error("failed to parse proactive config", "path", path, "error", err)
	}

	return defaultProactiveConfig()
}

func defaultProactiveConfig() *ProactiveConfig {
	return &ProactiveConfig{
		Welcome: map[string]string{
			"chat": "请向用户打个招呼。",
			"game": "欢迎回到游戏。",
			"task": "任务处理中。",
		},
		Silence: map[string]map[string]string{
			"chat": {"short": "", "medium": "用户沉默了，主动关心一下。", "long": "用户很久没说话了。"},
			"game": {"short": "", "medium": "给用户一个提示。", "long": "用户可能卡住了。"},
			"task": {"short": "", "medium": "任务还在处理。", "long": "任务需要更多时间。"},
		},
	}
}

// render substitutes {{KEY}} placeholders. Unknown keys render empty so
// no placeholder ever leaks into a live prompt. RELATIONSHIP_EVOLUTION
// stored as a JSON object is unwrapped to its inner text.
func render(template string, vars Vars) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(match string) string {
		key := placeholderRe.FindStringSubmatch(match)[1]
		value := vars[key]
		if key == "RELATIONSHIP_EVOLUTION" {
			value = unwrapEvolution(value)
		}
		return value
	})
}

// unwrapEvolution extracts the inner text when the stored relationship
// state is a JSON object rather than plain prose.
func unwrapEvolution(value string) string {
	if !strings.HasPrefix(strings.TrimSpace(value), "{") {
		return value
	}
	var parsed map[string]json.RawMessage
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		return value
	}
	for _, key := range []string{"relationship_evolution", "relationship"} {
		if raw, ok := parsed[key]; ok {
			var inner string
			if err := json.Unmarshal(raw, &inner); err == nil {
				return inner
			}
		}
	}
	return value
}

func sceneDisplayName(scene domain.SceneType) string {
	switch scene {
	case domain.SceneGame:
		return "游戏模式"
	case domain.SceneTask:
		return "任务处理"
	default:
		return "闲聊"
	}
}

// defaultVars fills the ambient context every template may reference.
func (c *Composer) defaultVars() Vars {
	now := c.now()
	return Vars{
		"CURRENT_TIME":           formatChineseTime(now),
		"LOCATION":               locationFor(now),
		"SCENE_TYPE":             "闲聊",
		"SCENE_MODULE":           "",
		"GAME_STATE":             "",
		"TASK_STATE":             "",
		"TARGET_USER":            "",
		"RELATIONSHIP_EVOLUTION": "",
		"INTERACTION_GOAL":       "日常陪伴",
	}
}

var weekdayNames = [...]string{"周日", "周一", "周二", "周三", "周四", "周五", "周六"}

func formatChineseTime(t time.Time) string {
	return fmt.Sprintf("%d年%d月%d日 %s %02d:%02d",
		t.Year(), int(t.Month()), t.Day(), weekdayNames[t.Weekday()], t.Hour(), t.Minute())
}

// locationFor guesses where the user is: at the office during weekday
// working hours, otherwise at home.
func locationFor(t time.Time) string {
	hour := t.Hour()
	weekend := t.Weekday() == time.Saturday || t.Weekday() == time.Sunday
	if hour >= 10 && hour < 19 && !weekend {
		return "办公室"
	}
	return "家中"
}
