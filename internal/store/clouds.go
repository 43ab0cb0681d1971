package store

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/imagekiln/kiln/internal/logging"
)

// cloudsYAMLPaths are searched in order for cloud credentials.
var cloudsYAMLPaths = []string{
	"clouds.yaml",
	expandHome("~/clouds.yaml"),
	expandHome("~/.config/openstack/clouds.yaml"),
	"/etc/openstack/clouds.yaml",
}

// Cloud is one entry from clouds.yaml.
type Cloud struct {
	Auth       CloudAuth `yaml:"auth"`
	RegionName string    `yaml:"region_name"`
}

// CloudAuth holds the authentication parameters of a cloud entry.
type CloudAuth struct {
	AuthURL           string `yaml:"auth_url"`
	Username          string `yaml:"username"`
	Password          string `yaml:"password"`
	ProjectName       string `yaml:"project_name"`
	UserDomainName    string `yaml:"user_domain_name"`
	ProjectDomainName string `yaml:"project_domain_name"`
}

type cloudsFile struct {
	Clouds map[string]Cloud `yaml:"clouds"`
}

// DetermineCloud returns the cloud name to use. User input wins; otherwise
// the first cloud defined in the first clouds.yaml found is selected.
func DetermineCloud(cloudName string) (string, error) {
	if cloudName != "" {
		return cloudName, nil
	}

	logging.Info("Determining cloud to use from clouds.yaml")
	path, err := findCloudsYAML()
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}

	// Decode through yaml.Node to preserve the file's cloud ordering;
	// a map would randomize which cloud is "first".
	var doc struct {
		Clouds yaml.Node `yaml:"clouds"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("invalid clouds.yaml %s: %w", path, err)
	}
	if doc.Clouds.Kind != yaml.MappingNode || len(doc.Clouds.Content) < 2 {
		return "", fmt.Errorf("no clouds defined in %s", path)
	}
	return doc.Clouds.Content[0].Value, nil
}

// LoadCloud reads the named cloud's credentials from clouds.yaml.
func LoadCloud(cloudName string) (*Cloud, error) {
	path, err := findCloudsYAML()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var parsed cloudsFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("invalid clouds.yaml %s: %w", path, err)
	}

	cloud, ok := parsed.Clouds[cloudName]
	if !ok {
		return nil, fmt.Errorf("cloud %q not found in %s", cloudName, path)
	}
	return &cloud, nil
}

func findCloudsYAML() (string, error) {
	for _, path := range cloudsYAMLPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("clouds.yaml not found in any of: %v", cloudsYAMLPaths)
}

func expandHome(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}
