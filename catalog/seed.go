package catalog

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Writer 可以导入种子数据的存储（Memory 与 SQLiteStore 均实现）
type Writer interface {
	PutSpace(ctx context.Context, s Space) error
	PutToken(ctx context.Context, token, userID string, expiresAt time.Time) error
}

// Seed 种子文件内容：空间定义 + 预置凭证
type Seed struct {
	Spaces []SeedSpace `yaml:"spaces"`
	Users  []SeedUser  `yaml:"users"`
}

type SeedSpace struct {
	ID         string    `yaml:"id"`
	Dimensions string    `yaml:"dimensions"` // 形如 "100x200"
	Elements   []Element `yaml:"elements"`
}

type SeedUser struct {
	UserID string `yaml:"user_id"`
	Token  string `yaml:"token"`
}

// LoadSeed 读取 YAML 种子文件
func LoadSeed(path string) (Seed, error) {
	var s Seed
	raw, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("seed %s: %w", path, err)
	}
	return s, nil
}

// Apply 将种子写入存储
func (s Seed) Apply(ctx context.Context, w Writer) error {
	for _, sp := range s.Spaces {
		width, height, err := ParseDimensions(sp.Dimensions)
		if err != nil {
			return fmt.Errorf("seed space %s: %w", sp.ID, err)
		}
		if err := w.PutSpace(ctx, Space{ID: sp.ID, Width: width, Height: height, Elements: sp.Elements}); err != nil {
			return fmt.Errorf("seed space %s: %w", sp.ID, err)
		}
	}
	for _, u := range s.Users {
		if u.UserID == "" || u.Token == "" {
			return fmt.Errorf("seed user: user_id and token are required")
		}
		if err := w.PutToken(ctx, u.Token, u.UserID, time.Time{}); err != nil {
			return fmt.Errorf("seed user %s: %w", u.UserID, err)
		}
	}
	return nil
}
