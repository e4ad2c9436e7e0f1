package models

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProxyConfig routes gateway traffic through an HTTP proxy. It accepts
// either a plain URL string or a {host, port, user, pass} object in both
// JSON and YAML configuration.
type ProxyConfig struct {
	URL      string `json:"url,omitempty" yaml:"url"`
	Host     string `json:"host,omitempty" yaml:"host"`
	Port     int    `json:"port,omitempty" yaml:"port"`
	User     string `json:"user,omitempty" yaml:"user"`
	Password string `json:"pass,omitempty" yaml:"pass"`
}

// Resolve builds the proxy URL from whichever form was configured.
func (p *ProxyConfig) Resolve() (*url.URL, error) {
	if p == nil {
		return nil, nil
	}
	if p.URL != "" {
		u, err := url.Parse(p.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url %q: %w", p.URL, err)
		}
		return u, nil
	}
	if p.Host == "" {
		return nil, nil
	}
	u := &url.URL{Scheme: "http", Host: p.Host}
	if p.Port > 0 {
		u.Host = fmt.Sprintf("%s:%d", p.Host, p.Port)
	}
	if p.User != "" {
		if p.Password != "" {
			u.User = url.UserPassword(p.User, p.Password)
		} else {
			u.User = url.User(p.User)
		}
	}
	return u, nil
}

type proxyObject ProxyConfig

// UnmarshalJSON accepts a URL string or a proxy object.
func (p *ProxyConfig) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = ProxyConfig{URL: s}
		return nil
	}
	var obj proxyObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*p = ProxyConfig(obj)
	return nil
}

// UnmarshalYAML accepts a URL string or a proxy object.
func (p *ProxyConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*p = ProxyConfig{URL: value.Value}
		return nil
	}
	var obj proxyObject
	if err := value.Decode(&obj); err != nil {
		return err
	}
	*p = ProxyConfig(obj)
	return nil
}
