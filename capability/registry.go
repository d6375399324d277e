package capability

import (
	"fmt"
	"sort"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/invopop/jsonschema"
	"github.com/pkg/errors"

	"go.viam.com/recon/config"
	"go.viam.com/recon/logging"
	"go.viam.com/recon/utils"
)

// A Constructor builds a capability from its decoded configuration.
type Constructor func(cfg config.CapabilityConfig, logger logging.Logger) (interface{}, error)

// Registration stores how to build one capability implementation.
type Registration struct {
	Constructor Constructor
	// Attributes, when set, returns a pointer to a zero attributes struct. It is used for the
	// attribute JSON schema.
	Attributes func() interface{}
}

type registryKey struct {
	role string
	typ  string
}

var (
	registryMu sync.RWMutex
	registry   = map[registryKey]Registration{}
)

// Register registers an implementation of a role under a type name.
func Register(role, typ string, reg Registration) {
	registryMu.Lock()
	defer registryMu.Unlock()
	key := registryKey{role, typ}
	if _, old := registry[key]; old {
		panic(errors.Errorf("trying to register two %s capabilities with the same type: %s", role, typ))
	}
	if reg.Constructor == nil {
		panic(errors.Errorf("cannot register a nil constructor for %s capability: %s", role, typ))
	}
	registry[key] = reg
}

// Lookup returns the registration of a type for a role. nil is returned if there is none.
func Lookup(role, typ string) *Registration {
	registryMu.RLock()
	defer registryMu.RUnlock()
	reg, ok := registry[registryKey{role, typ}]
	if !ok {
		return nil
	}
	return &reg
}

// RegisteredTypes returns the type names registered for a role, sorted.
func RegisteredTypes(role string) []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	var out []string
	for key := range registry {
		if key.role == role {
			out = append(out, key.typ)
		}
	}
	sort.Strings(out)
	return out
}

// DecodeAttributes decodes free form attributes into target, a pointer to a struct tagged with
// json names. Unknown attributes are an error; durations may be given as strings.
func DecodeAttributes(attrs map[string]interface{}, target interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           target,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	return errors.Wrap(dec.Decode(attrs), "decoding capability attributes")
}

func construct[T any](role string, cfg config.CapabilityConfig, logger logging.Logger) (T, error) {
	var zero T
	reg := Lookup(role, cfg.Type)
	if reg == nil {
		return zero, utils.NewConfigError(errors.Errorf(
			"unknown %s type %q, registered: %v", role, cfg.Type, RegisteredTypes(role)))
	}
	created, err := reg.Constructor(cfg, logger.Sublogger(role))
	if err != nil {
		return zero, utils.NewConfigError(errors.Wrapf(err, "creating %s %q", role, cfg.Type))
	}
	typed, ok := created.(T)
	if !ok {
		return zero, utils.NewConfigError(utils.NewUnexpectedTypeError(new(T), created))
	}
	return typed, nil
}

// Set holds the capabilities of one run and the configuration each was built from. SceneWriter
// may be nil.
type Set struct {
	PoseEstimator PoseEstimator
	DenseStereo   DenseStereo
	Segmenter     Segmenter
	SceneWriter   SceneWriter
	Configs       map[string]config.CapabilityConfig
}

// FromConfig builds the capabilities named by the configuration. The segmenter defaults to the
// configured segmentation model; the scene writer is optional.
func FromConfig(cfg *config.Config, logger logging.Logger) (*Set, error) {
	set := &Set{Configs: map[string]config.CapabilityConfig{}}
	required := func(role string) (config.CapabilityConfig, error) {
		capCfg, ok := cfg.Capability(role)
		if !ok {
			return capCfg, utils.NewConfigError(errors.Errorf("no %s capability configured", role))
		}
		set.Configs[role] = capCfg
		return capCfg, nil
	}

	capCfg, err := required(RolePoseEstimator)
	if err != nil {
		return nil, err
	}
	if set.PoseEstimator, err = construct[PoseEstimator](RolePoseEstimator, capCfg, logger); err != nil {
		return nil, err
	}
	if capCfg, err = required(RoleDenseStereo); err != nil {
		return nil, err
	}
	if set.DenseStereo, err = construct[DenseStereo](RoleDenseStereo, capCfg, logger); err != nil {
		return nil, err
	}

	segCfg, ok := cfg.Capability(RoleSegmenter)
	if !ok {
		segCfg = config.CapabilityConfig{Type: cfg.Preprocess.SegmentationModel}
	}
	set.Configs[RoleSegmenter] = segCfg
	if set.Segmenter, err = construct[Segmenter](RoleSegmenter, segCfg, logger); err != nil {
		return nil, err
	}

	if swCfg, ok := cfg.Capability(RoleSceneWriter); ok {
		set.Configs[RoleSceneWriter] = swCfg
		if set.SceneWriter, err = construct[SceneWriter](RoleSceneWriter, swCfg, logger); err != nil {
			return nil, err
		}
	}
	return set, nil
}

// Schemas returns the JSON schemas of every request and response type, plus the attribute
// schemas of registered implementations keyed "<role>.<type>.attributes".
func Schemas() map[string]*jsonschema.Schema {
	r := &jsonschema.Reflector{ExpandedStruct: true}
	out := map[string]*jsonschema.Schema{
		"pose_request":    r.Reflect(&PoseRequest{}),
		"pose_response":   r.Reflect(&PoseResponse{}),
		"stereo_request":  r.Reflect(&StereoRequest{}),
		"stereo_response": r.Reflect(&StereoResponse{}),
	}
	registryMu.RLock()
	defer registryMu.RUnlock()
	for key, reg := range registry {
		if reg.Attributes != nil {
			out[fmt.Sprintf("%s.%s.attributes", key.role, key.typ)] = r.Reflect(reg.Attributes())
		}
	}
	return out
}
