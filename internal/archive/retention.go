package archive

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "TaskRelay/internal/errors"
)

// RetentionRule 是某个任务类型的保留规则。
type RetentionRule struct {
	TaskType   string `yaml:"task_type"`
	RetainDays int    `yaml:"retain_days"`
}

// RetentionPolicy 描述归档数据的保留策略。策略是外部配置，不内嵌业务逻辑。
type RetentionPolicy struct {
	// DefaultRetainDays 适用于未被规则覆盖的任务类型。
	DefaultRetainDays int `yaml:"default_retain_days"`
	// DeliveryRetainDays 控制投递记录进入终态后的保留天数。
	DeliveryRetainDays int `yaml:"delivery_retain_days"`
	Rules              []RetentionRule `yaml:"rules"`
}

func (p *RetentionPolicy) applyDefaults() {
	if p.DefaultRetainDays <= 0 {
		p.DefaultRetainDays = 30
	}
	if p.DeliveryRetainDays <= 0 {
		p.DeliveryRetainDays = 7
	}
}

// RetainDaysFor 返回任务类型对应的保留天数。
func (p *RetentionPolicy) RetainDaysFor(taskType string) int {
	for _, rule := range p.Rules {
		if strings.EqualFold(rule.TaskType, taskType) && rule.RetainDays > 0 {
			return rule.RetainDays
		}
	}
	return p.DefaultRetainDays
}

// LoadRetentionPolicy 从 YAML 文件加载保留策略。
func LoadRetentionPolicy(path string) (RetentionPolicy, error) {
	var policy RetentionPolicy
	data, err := os.ReadFile(path)
	if err != nil {
		return policy, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取保留策略文件失败")
	}
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return policy, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析保留策略失败")
	}
	policy.applyDefaults()
	return policy, nil
}

// DefaultRetentionPolicy 返回缺省保留策略。
func DefaultRetentionPolicy() RetentionPolicy {
	policy := RetentionPolicy{}
	policy.applyDefaults()
	return policy
}
