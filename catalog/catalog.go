// Package catalog 提供空间目录与身份校验两个外部协作者的实现。
// 实时协调器只以只读方式消费这里的输出。
package catalog

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrSpaceNotFound 空间不存在
	ErrSpaceNotFound = errors.New("catalog: space not found")
	// ErrUnauthorized 凭证无效或已过期
	ErrUnauthorized = errors.New("catalog: unauthorized")
	// ErrInvalidSpace 空间定义不合法（尺寸或元素越界）
	ErrInvalidSpace = errors.New("catalog: invalid space")
)

// MaxDimension 单边格子数上限，保证宽×高不会溢出
const MaxDimension = 10_000

// Element 固定在某个格子上的静态元素
type Element struct {
	ElementID string `json:"elementId" yaml:"element_id"`
	X         int    `json:"x" yaml:"x"`
	Y         int    `json:"y" yaml:"y"`
}

// Space 空间的静态布局：宽高 + 有序的静态元素列表
type Space struct {
	ID       string
	Width    int
	Height   int
	Elements []Element
}

// Validate 检查尺寸在 (0, MaxDimension] 内且所有元素都在网格内
func (s Space) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidSpace)
	}
	if s.Width <= 0 || s.Height <= 0 || s.Width > MaxDimension || s.Height > MaxDimension {
		return fmt.Errorf("%w: dimensions %dx%d", ErrInvalidSpace, s.Width, s.Height)
	}
	for _, e := range s.Elements {
		if e.X < 0 || e.Y < 0 || e.X >= s.Width || e.Y >= s.Height {
			return fmt.Errorf("%w: element %s at (%d,%d) outside %dx%d", ErrInvalidSpace, e.ElementID, e.X, e.Y, s.Width, s.Height)
		}
	}
	return nil
}

// ParseDimensions 解析 "100x200" 形式的尺寸
func ParseDimensions(s string) (width, height int, err error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return 0, 0, fmt.Errorf("%w: dimensions %q", ErrInvalidSpace, s)
	}
	width, err = strconv.Atoi(w)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: dimensions %q", ErrInvalidSpace, s)
	}
	height, err = strconv.Atoi(h)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: dimensions %q", ErrInvalidSpace, s)
	}
	if width <= 0 || height <= 0 || width > MaxDimension || height > MaxDimension {
		return 0, 0, fmt.Errorf("%w: dimensions %q", ErrInvalidSpace, s)
	}
	return width, height, nil
}
