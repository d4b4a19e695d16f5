package config

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	baseFile    = "base.yaml"
	secretsFile = "secrets.env"
)

var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load 合并 base.yaml、<env>.yaml，替换 ${VAR} 占位符后解码到 out。
// 占位符先查 secrets.env，再查进程环境变量，都没有时原样保留
func Load(env, configDir string, out any) error {
	merged, err := LoadConfig(env, configDir)
	if err != nil {
		return err
	}
	return Decode(merged, out)
}

// LoadConfig 返回合并并替换占位符后的原始配置树
func LoadConfig(env, configDir string) (map[string]any, error) {
	if configDir == "" {
		configDir = "config"
	}

	merged := map[string]any{}
	for _, layer := range layers(env) {
		path := filepath.Join(configDir, layer.name)
		tree, err := readYAML(path)
		if os.IsNotExist(err) && !layer.required {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", layer.name, err)
		}
		merged = merge(merged, tree)
	}

	secrets, err := readEnvFile(filepath.Join(configDir, secretsFile))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load %s: %w", secretsFile, err)
	}
	lookup := func(key string) (string, bool) {
		if v, ok := secrets[key]; ok {
			return v, true
		}
		return os.LookupEnv(key)
	}
	return expand(merged, lookup).(map[string]any), nil
}

// Decode 把配置树解码为类型化配置（借 yaml 做一次往返，复用 yaml tag）
func Decode(tree map[string]any, out any) error {
	raw, err := yaml.Marshal(tree)
	if err != nil {
		return fmt.Errorf("re-encode config: %w", err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

type layer struct {
	name     string
	required bool
}

func layers(env string) []layer {
	out := []layer{{name: baseFile, required: true}}
	if env != "" && env != "base" {
		out = append(out, layer{name: env + ".yaml"})
	}
	return out
}

func readYAML(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	tree := map[string]any{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

// readEnvFile 解析 KEY=VALUE 行，忽略空行和 # 注释，值两侧的引号会被去掉
func readEnvFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	env := map[string]string{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		if len(value) >= 2 && (value[0] == '"' || value[0] == '\'') && value[len(value)-1] == value[0] {
			value = value[1 : len(value)-1]
		}
		env[strings.TrimSpace(key)] = value
	}
	return env, sc.Err()
}

// merge 返回新树：src 覆盖 dst，两边都是 map 时递归合并，列表整体替换
func merge(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		dm, dok := out[k].(map[string]any)
		sm, sok := v.(map[string]any)
		if dok && sok {
			out[k] = merge(dm, sm)
			continue
		}
		out[k] = v
	}
	return out
}

func expand(node any, lookup func(string) (string, bool)) any {
	switch v := node.(type) {
	case string:
		return placeholder.ReplaceAllStringFunc(v, func(m string) string {
			if val, ok := lookup(m[2 : len(m)-1]); ok {
				return val
			}
			return m
		})
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, child := range v {
			out[k] = expand(child, lookup)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = expand(child, lookup)
		}
		return out
	}
	return node
}

// GetEnv 读取环境变量，未设置时返回默认值
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetConfigEnv CONFIG_ENV，默认 local
func GetConfigEnv() string {
	return GetEnv("CONFIG_ENV", "local")
}
