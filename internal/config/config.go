package config

import "time"

// Config holds the full server configuration tree.
type Config struct {
	Server   ServerConfig          `mapstructure:"server" yaml:"server"`
	Log      LogConfig             `mapstructure:"log" yaml:"log"`
	Auth     AuthConfig            `mapstructure:"auth" yaml:"auth"`
	Upload   UploadConfig          `mapstructure:"upload" yaml:"upload"`
	Instance InstanceConfig        `mapstructure:"instance" yaml:"instance"`
	Rooms    map[string]RoomConfig `mapstructure:"rooms" yaml:"rooms"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Pretty bool   `mapstructure:"pretty" yaml:"pretty"`
}

// AuthConfig holds identity and session-token settings.
type AuthConfig struct {
	// Mandate forces every session to authenticate before joining a
	// room, taking turns, or voting.
	Mandate      bool          `mapstructure:"mandate" yaml:"mandate"`
	TokenSecret  string        `mapstructure:"token_secret" yaml:"token_secret"`
	TokenIssuer  string        `mapstructure:"token_issuer" yaml:"token_issuer"`
	TokenTTL     time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`
	DatabasePath string        `mapstructure:"database_path" yaml:"database_path"`
	// LegacyPassword enables the shared-password strategy when set.
	LegacyPassword string `mapstructure:"legacy_password" yaml:"legacy_password"`
}

// UploadConfig holds file-upload limits shared by all rooms.
type UploadConfig struct {
	MaxSize  int64         `mapstructure:"max_size" yaml:"max_size"`
	Cooldown time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
}

// InstanceConfig describes this deployment to clients.
type InstanceConfig struct {
	Name     string `mapstructure:"name" yaml:"name"`
	Software string `mapstructure:"software" yaml:"software"`
	Version  string `mapstructure:"version" yaml:"version"`
	Contact  string `mapstructure:"contact" yaml:"contact"`
}

// RoomConfig describes one shared machine room.
type RoomConfig struct {
	DisplayName string `mapstructure:"display_name" yaml:"display_name"`
	MOTD        string `mapstructure:"motd" yaml:"motd"`

	CanTurn   bool `mapstructure:"can_turn" yaml:"can_turn"`
	CanVote   bool `mapstructure:"can_vote" yaml:"can_vote"`
	CanUpload bool `mapstructure:"can_upload" yaml:"can_upload"`

	TurnDuration   time.Duration `mapstructure:"turn_duration" yaml:"turn_duration"`
	VoteDuration   time.Duration `mapstructure:"vote_duration" yaml:"vote_duration"`
	VoteCooldown   time.Duration `mapstructure:"vote_cooldown" yaml:"vote_cooldown"`
	UploadCooldown time.Duration `mapstructure:"upload_cooldown" yaml:"upload_cooldown"`

	AnnounceJoins bool `mapstructure:"announce_joins" yaml:"announce_joins"`
	AnnounceVotes bool `mapstructure:"announce_votes" yaml:"announce_votes"`

	// Protected rooms require CapSeeProtected; internal rooms require
	// CapSeeInternal and are hidden from listings.
	Protected bool `mapstructure:"protected" yaml:"protected"`
	Internal  bool `mapstructure:"internal" yaml:"internal"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 5 * time.Second,
			ShutdownTimeout:   5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Pretty: true,
		},
		Auth: AuthConfig{
			Mandate:      false,
			TokenIssuer:  "quartz",
			DatabasePath: "quartz.db",
		},
		Upload: UploadConfig{
			MaxSize:  8 << 20,
			Cooldown: 20 * time.Second,
		},
		Instance: InstanceConfig{
			Name:     "quartz",
			Software: "quartz",
			Version:  "0.1.0",
		},
		Rooms: map[string]RoomConfig{
			"lobby": DefaultRoom(),
		},
	}
}

// DefaultRoom returns starter settings for a single room.
func DefaultRoom() RoomConfig {
	return RoomConfig{
		DisplayName:    "Lobby",
		MOTD:           "Welcome!",
		CanTurn:        true,
		CanVote:        true,
		CanUpload:      false,
		TurnDuration:   20 * time.Second,
		VoteDuration:   60 * time.Second,
		VoteCooldown:   5 * time.Minute,
		UploadCooldown: 20 * time.Second,
		AnnounceJoins:  false,
		AnnounceVotes:  true,
	}
}
