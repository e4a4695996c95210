package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Profile is one named connection entry in the profiles file. Profiles
// carry connection identity only; pipeline tuning stays in the
// environment.
type Profile struct {
	ControlURL string `yaml:"control_url"`
	StudioID   string `yaml:"studio_id"`
	SigningKey string `yaml:"signing_key"`
	CorpusID   string `yaml:"corpus_id"`
}

// profilesFile is the on-disk shape of ~/.renshu/profiles.yaml.
type profilesFile struct {
	Default  string             `yaml:"default"`
	Profiles map[string]Profile `yaml:"profiles"`
}

// ProfilesPath returns the location of the profiles file:
// $RENSHU_CONFIG_DIR/profiles.yaml when set, else ~/.renshu/profiles.yaml.
func ProfilesPath() (string, error) {
	if dir := os.Getenv("RENSHU_CONFIG_DIR"); dir != "" {
		return filepath.Join(dir, "profiles.yaml"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".renshu", "profiles.yaml"), nil
}

// LoadProfile resolves one profile from the profiles file. An empty name
// selects the file's default entry. A missing file yields a zero profile
// and no error; naming a profile that the file does not define is an
// error.
func LoadProfile(name string) (Profile, error) {
	path, err := ProfilesPath()
	if err != nil {
		return Profile{}, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if name != "" {
				return Profile{}, fmt.Errorf("config: profile %q requested but %s does not exist", name, path)
			}
			return Profile{}, nil
		}
		return Profile{}, fmt.Errorf("config: read profiles file: %w", err)
	}

	var file profilesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return Profile{}, fmt.Errorf("config: parse profiles file: %w", err)
	}

	if name == "" {
		name = file.Default
	}
	if name == "" {
		return Profile{}, nil
	}

	profile, ok := file.Profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("config: profile %q not found in %s", name, path)
	}
	return profile, nil
}
