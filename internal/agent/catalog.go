package agent

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
	"sync"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/schema"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Catalog 按 ID 查询智能体。
type Catalog interface {
	Get(ctx context.Context, id string) (*Agent, error)
}

// StaticCatalog 是加载自本地文件的只读目录。
type StaticCatalog struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewStaticCatalog 使用给定智能体创建目录。
func NewStaticCatalog(agents ...*Agent) (*StaticCatalog, error) {
	c := &StaticCatalog{agents: make(map[string]*Agent, len(agents))}
	for _, a := range agents {
		if err := a.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.agents[a.ID]; dup {
			return nil, xerrors.New(xerrors.CodeConflict, fmt.Sprintf("智能体 %s 重复定义", a.ID))
		}
		c.agents[a.ID] = a
	}
	return c, nil
}

// Get 返回智能体，不存在时返回 AGENT_NOT_FOUND。
func (c *StaticCatalog) Get(_ context.Context, id string) (*Agent, error) {
	c.mu.RLock()
	a, ok := c.agents[id]
	c.mu.RUnlock()
	if !ok {
		return nil, xerrors.New(CodeAgentNotFound, fmt.Sprintf("智能体 %s 不存在", id),
			xerrors.WithMetadata("agent_id", id))
	}
	return a, nil
}

// List 返回全部智能体，按 ID 排序。
func (c *StaticCatalog) List() []*Agent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Agent, 0, len(c.agents))
	for _, a := range c.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetActive 切换智能体的可调用状态。
func (c *StaticCatalog) SetActive(id string, active bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.agents[id]
	if !ok {
		return xerrors.New(CodeAgentNotFound, fmt.Sprintf("智能体 %s 不存在", id))
	}
	clone := *a
	clone.Active = active
	c.agents[id] = &clone
	return nil
}

// catalogFile 对应 configs/agents.yaml 的结构。
type catalogFile struct {
	Agents []agentEntry `yaml:"agents"`
}

type agentEntry struct {
	ID       string         `yaml:"id"`
	Name     string         `yaml:"name"`
	Endpoint string         `yaml:"endpoint"`
	Class    string         `yaml:"class"`
	Payout   string         `yaml:"payout_address"`
	Price    string         `yaml:"price"`
	Asset    string         `yaml:"asset"`
	Decimals uint8          `yaml:"decimals"`
	Active   *bool          `yaml:"active"`
	Input    *schema.Schema `yaml:"input_schema"`
	Output   *schema.Schema `yaml:"output_schema"`
}

// LoadCatalog 从 YAML 文件加载智能体目录。
func LoadCatalog(path string) (*StaticCatalog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("智能体目录文件路径不能为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取智能体目录失败: %w", err)
	}
	return ParseCatalog(content)
}

// ParseCatalog 解析 YAML 格式的智能体目录。
func ParseCatalog(content []byte) (*StaticCatalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("解析智能体目录失败: %w", err)
	}

	agents := make([]*Agent, 0, len(file.Agents))
	for i, entry := range file.Agents {
		a, err := entry.toAgent()
		if err != nil {
			return nil, fmt.Errorf("第 %d 个智能体: %w", i+1, err)
		}
		agents = append(agents, a)
	}
	return NewStaticCatalog(agents...)
}

func (e agentEntry) toAgent() (*Agent, error) {
	price, ok := new(big.Int).SetString(strings.TrimSpace(e.Price), 10)
	if !ok {
		return nil, fmt.Errorf("价格 %q 不是十进制整数", e.Price)
	}
	if !common.IsHexAddress(e.Payout) {
		return nil, fmt.Errorf("收款地址 %q 非法", e.Payout)
	}
	class := Class(strings.ToLower(strings.TrimSpace(e.Class)))
	if class == "" {
		class = ClassSimple
	}
	active := true
	if e.Active != nil {
		active = *e.Active
	}
	for _, s := range []*schema.Schema{e.Input, e.Output} {
		if s == nil {
			continue
		}
		if _, err := schema.Compile(s); err != nil {
			return nil, err
		}
	}
	return &Agent{
		ID:            e.ID,
		Name:          e.Name,
		Endpoint:      e.Endpoint,
		Class:         class,
		PayoutAddress: common.HexToAddress(e.Payout),
		InputSchema:   e.Input,
		OutputSchema:  e.Output,
		Price:         price,
		AssetRef:      strings.TrimSpace(e.Asset),
		Decimals:      e.Decimals,
		Active:        active,
	}, nil
}
