package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// HostEntry is one connection definition in the hosts file. Password may be a
// plain string or a "fernet:<token>" value produced by --encrypt-password.
type HostEntry struct {
	ID             string `yaml:"id"`
	Name           string `yaml:"name"`
	Hostname       string `yaml:"hostname"`
	Port           int    `yaml:"port"`
	Username       string `yaml:"username"`
	AuthMethod     string `yaml:"auth_method"`
	PrivateKeyPath string `yaml:"private_key_path"`
	Password       string `yaml:"password"`
	// Connect requests a connection attempt as soon as the entry is loaded.
	Connect bool `yaml:"connect"`
}

// HostsFile is the top-level document of the hosts file.
//
//	hosts:
//	  - name: web-1
//	    hostname: 10.0.0.5
//	    username: deploy
//	    auth_method: public_key
//	    private_key_path: ~/.ssh/id_ed25519
type HostsFile struct {
	Hosts []HostEntry `yaml:"hosts"`
}

// LoadHosts reads and parses the hosts file at path. The file is read once;
// nothing is ever written back.
func LoadHosts(path string) ([]HostEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hosts file: %w", err)
	}
	hosts, err := ParseHosts(data)
	if err != nil {
		return nil, fmt.Errorf("parse hosts file %s: %w", path, err)
	}
	return hosts, nil
}

// ParseHosts decodes a hosts document. Unknown keys are rejected so typos in
// field names surface instead of silently producing empty values.
func ParseHosts(data []byte) ([]HostEntry, error) {
	var doc HostsFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	for i := range doc.Hosts {
		if doc.Hosts[i].Port == 0 {
			doc.Hosts[i].Port = 22
		}
	}
	return doc.Hosts, nil
}
