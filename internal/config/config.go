package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/mocap-obstacles/internal/kinematics"
	"github.com/banshee-data/mocap-obstacles/internal/monitoring"
	"github.com/banshee-data/mocap-obstacles/internal/registry"
	"github.com/banshee-data/mocap-obstacles/internal/snapshot"
)

// DefaultConfigPath is read when EnvConfigPath is unset.
const DefaultConfigPath = "config/obstacles.yaml"

// EnvConfigPath names the environment variable that overrides
// DefaultConfigPath.
const EnvConfigPath = "OBSTACLES_CONFIG"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the static process configuration. It is read once at startup.
// Optional scalars are pointers; the Get* methods supply defaults for any
// field the file omits, so partial configs are safe.
type Config struct {
	// Entity tables
	LocalEntity    string               `json:"local_entity" yaml:"local_entity" validate:"required"`
	Entities       []string             `json:"entities" yaml:"entities" validate:"required,min=1,dive,required"`
	SphereRadii    map[string]float64   `json:"sphere_radii,omitempty" yaml:"sphere_radii" validate:"dive,gt=0"`
	BoxDimensions  map[string][]float64 `json:"box_dimensions,omitempty" yaml:"box_dimensions" validate:"dive,len=3,dive,gt=0"`
	StaticEntities []string             `json:"static_entities,omitempty" yaml:"static_entities"`
	RemoveEntities []string             `json:"remove_entities,omitempty" yaml:"remove_entities"`
	Agents         []AgentConfig        `json:"agents,omitempty" yaml:"agents" validate:"dive"`

	// Naming
	TopicPrefix *string `json:"topic_prefix,omitempty" yaml:"topic_prefix"`
	ProcessName *string `json:"process_name,omitempty" yaml:"process_name"`
	FrameID     *string `json:"frame_id,omitempty" yaml:"frame_id"`

	// Publication loop
	PublishRateHz  *float64 `json:"publish_rate_hz,omitempty" yaml:"publish_rate_hz" validate:"omitempty,gt=0,lte=1000"`
	AdapterTimeout *string  `json:"adapter_timeout,omitempty" yaml:"adapter_timeout"` // duration string like "20ms"
	IDOrder        *string  `json:"id_order,omitempty" yaml:"id_order" validate:"omitempty,oneof=sorted arbitrary"`
	LogMode        *string  `json:"log_mode,omitempty" yaml:"log_mode" validate:"omitempty,oneof=bus info warn terminal"`

	// Endpoints
	PoseListenAddr  *string `json:"pose_listen_addr,omitempty" yaml:"pose_listen_addr"`
	GRPCListenAddr  *string `json:"grpc_listen_addr,omitempty" yaml:"grpc_listen_addr"`
	DebugListenAddr *string `json:"debug_listen_addr,omitempty" yaml:"debug_listen_addr"`
	ReplayPCAP      *string `json:"replay_pcap,omitempty" yaml:"replay_pcap"`
	ReplayPort      *int    `json:"replay_port,omitempty" yaml:"replay_port" validate:"omitempty,min=1,max=65535"`
}

// AgentConfig describes another robot whose sub-part spheres are derived
// from its tracked pose.
type AgentConfig struct {
	Name  string       `json:"name" yaml:"name" validate:"required"`
	Parts []PartConfig `json:"parts" yaml:"parts" validate:"required,min=1,dive"`
}

// PartConfig is one collision sphere rigidly attached to an agent.
type PartConfig struct {
	Name   string    `json:"name" yaml:"name" validate:"required"`
	Offset []float64 `json:"offset" yaml:"offset" validate:"len=3"`
	Radius float64   `json:"radius" yaml:"radius" validate:"gt=0"`
}

// ResolvePath returns the config path from the environment, falling back to
// DefaultConfigPath.
func ResolvePath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return DefaultConfigPath
}

// Load reads a config file. .json files are decoded as JSON; .yaml and .yml
// as YAML. The file must be under 1MB and must validate.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	switch ext {
	case ".json", ".yaml", ".yml":
	default:
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if ext == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks struct tags, then the rules tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	if c.AdapterTimeout != nil && *c.AdapterTimeout != "" {
		d, err := time.ParseDuration(*c.AdapterTimeout)
		if err != nil {
			return fmt.Errorf("invalid adapter_timeout '%s': %w", *c.AdapterTimeout, err)
		}
		if d < 0 {
			return fmt.Errorf("adapter_timeout must be non-negative, got %v", d)
		}
	}

	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if seen[a.Name] {
			return fmt.Errorf("duplicate agent %q", a.Name)
		}
		seen[a.Name] = true
		parts := make(map[string]bool, len(a.Parts))
		for _, p := range a.Parts {
			if parts[p.Name] {
				return fmt.Errorf("agent %q: duplicate part %q", a.Name, p.Name)
			}
			parts[p.Name] = true
		}
	}

	// Table consistency is owned by the registry; surface its errors here
	// so a bad file fails at load time.
	if _, err := registry.New(c.RegistryConfig()); err != nil {
		return err
	}
	return nil
}

// RegistryConfig returns the entity tables for registry.New. Agent part
// radii are merged into the sphere table; an explicit sphere_radii entry
// for the same name wins.
func (c *Config) RegistryConfig() registry.Config {
	radii := kinematics.PartRadii(c.KinematicAgents())
	for name, r := range c.SphereRadii {
		radii[name] = r
	}
	return registry.Config{
		LocalEntity:    c.LocalEntity,
		Entities:       c.Entities,
		SphereRadii:    radii,
		BoxDimensions:  c.BoxDimensions,
		StaticEntities: c.StaticEntities,
		RemoveEntities: c.RemoveEntities,
	}
}

// KinematicAgents converts the agent table for the kinematics estimator.
func (c *Config) KinematicAgents() []kinematics.Agent {
	agents := make([]kinematics.Agent, 0, len(c.Agents))
	for _, a := range c.Agents {
		ka := kinematics.Agent{Name: a.Name, Parts: make([]kinematics.Part, 0, len(a.Parts))}
		for _, p := range a.Parts {
			part := kinematics.Part{Name: p.Name, Radius: p.Radius}
			if len(p.Offset) == 3 {
				part.Offset.X, part.Offset.Y, part.Offset.Z = p.Offset[0], p.Offset[1], p.Offset[2]
			}
			ka.Parts = append(ka.Parts, part)
		}
		agents = append(agents, ka)
	}
	return agents
}

// GetTopicPrefix returns the inbound pose topic prefix or the default.
func (c *Config) GetTopicPrefix() string {
	return stringOr(c.TopicPrefix, "/vrpn_client_node")
}

// GetProcessName returns the process name used for the log topic.
func (c *Config) GetProcessName() string {
	return stringOr(c.ProcessName, "mocap_obstacles")
}

// GetFrameID returns the snapshot frame id or the default.
func (c *Config) GetFrameID() string {
	return stringOr(c.FrameID, "world")
}

// GetPublishRateHz returns the loop rate or the default of 50 Hz.
func (c *Config) GetPublishRateHz() float64 {
	if c.PublishRateHz == nil {
		return 50
	}
	return *c.PublishRateHz
}

// GetAdapterTimeout parses adapter_timeout. Zero means unbounded.
func (c *Config) GetAdapterTimeout() time.Duration {
	if c.AdapterTimeout == nil || *c.AdapterTimeout == "" {
		return 20 * time.Millisecond // default
	}
	d, err := time.ParseDuration(*c.AdapterTimeout)
	if err != nil {
		return 20 * time.Millisecond // default on parse error
	}
	return d
}

// GetIDOrder returns the id assignment order.
func (c *Config) GetIDOrder() snapshot.Order {
	if c.IDOrder == nil {
		return snapshot.OrderSorted
	}
	o, err := snapshot.ParseOrder(*c.IDOrder)
	if err != nil {
		return snapshot.OrderSorted
	}
	return o
}

// GetLogMode returns the Logger sink.
func (c *Config) GetLogMode() monitoring.Mode {
	if c.LogMode == nil {
		return monitoring.ModeInfo
	}
	m, err := monitoring.ParseMode(*c.LogMode)
	if err != nil {
		return monitoring.ModeInfo
	}
	return m
}

// GetPoseListenAddr returns the UDP pose listen address.
func (c *Config) GetPoseListenAddr() string {
	return stringOr(c.PoseListenAddr, ":9870")
}

// GetGRPCListenAddr returns the snapshot stream listen address.
func (c *Config) GetGRPCListenAddr() string {
	return stringOr(c.GRPCListenAddr, "localhost:50061")
}

// GetDebugListenAddr returns the debug HTTP listen address.
func (c *Config) GetDebugListenAddr() string {
	return stringOr(c.DebugListenAddr, "localhost:8081")
}

// GetReplayPCAP returns the pcap file to replay instead of listening on
// UDP. Empty means live.
func (c *Config) GetReplayPCAP() string {
	return stringOr(c.ReplayPCAP, "")
}

// GetReplayPort returns the UDP destination port filtered during replay.
func (c *Config) GetReplayPort() int {
	if c.ReplayPort == nil {
		return 9870
	}
	return *c.ReplayPort
}

func stringOr(p *string, def string) string {
	if p == nil || *p == "" {
		return def
	}
	return *p
}
