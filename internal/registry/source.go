package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/blueberrycongee/vortex/pkg/asset"
)

// Source loads a complete catalog.
type Source interface {
	Name() string
	Load(ctx context.Context) ([]asset.Asset, error)
}

// StaticSource serves a fixed asset list, typically the inline catalog of the
// gateway configuration.
type StaticSource struct {
	assets []asset.Asset
}

// NewStaticSource creates a source returning a copy of assets.
func NewStaticSource(assets []asset.Asset) *StaticSource {
	cp := make([]asset.Asset, len(assets))
	copy(cp, assets)
	return &StaticSource{assets: cp}
}

// Name implements Source.
func (s *StaticSource) Name() string { return "config" }

// Load implements Source.
func (s *StaticSource) Load(context.Context) ([]asset.Asset, error) {
	cp := make([]asset.Asset, len(s.assets))
	copy(cp, s.assets)
	return cp, nil
}

// catalogFile is the on-disk layout of a catalog file. A bare list is accepted too.
type catalogFile struct {
	Assets []asset.Asset `yaml:"assets" json:"assets"`
}

// FileSource reads a YAML or JSON catalog file.
type FileSource struct {
	path string
}

// NewFileSource creates a file-backed source.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Name implements Source.
func (s *FileSource) Name() string { return "file" }

// Path returns the catalog file path.
func (s *FileSource) Path() string { return s.path }

// Load implements Source.
func (s *FileSource) Load(context.Context) ([]asset.Asset, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	assets, err := decodeCatalog(data, strings.ToLower(filepath.Ext(s.path)) == ".json")
	if err != nil {
		return nil, fmt.Errorf("decode catalog %s: %w", s.path, err)
	}
	return assets, nil
}

func decodeCatalog(data []byte, isJSON bool) ([]asset.Asset, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, nil
	}

	if isJSON {
		if strings.HasPrefix(trimmed, "[") {
			var list []asset.Asset
			err := json.Unmarshal(data, &list)
			return list, err
		}
		var doc catalogFile
		err := json.Unmarshal(data, &doc)
		return doc.Assets, err
	}

	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	if len(node.Content) > 0 && node.Content[0].Kind == yaml.SequenceNode {
		var list []asset.Asset
		err := node.Decode(&list)
		return list, err
	}
	var doc catalogFile
	err := node.Decode(&doc)
	return doc.Assets, err
}
