package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// RetryPolicy controls backoff for transient webhook delivery failures.
type RetryPolicy struct {
	BaseDelay   time.Duration `mapstructure:"baseDelay"`
	MaxDelay    time.Duration `mapstructure:"maxDelay"`
	MaxAttempts int           `mapstructure:"maxAttempts"`
	JitterRatio float64       `mapstructure:"jitterRatio"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   30 * time.Second,
		MaxDelay:    30 * time.Minute,
		MaxAttempts: 10,
		JitterRatio: 0.2,
	}
}

// RetryPolicyHolder serves the current policy and hot-reloads it from disk.
type RetryPolicyHolder struct {
	current atomic.Value // holds RetryPolicy
}

func NewRetryPolicyHolder() (*RetryPolicyHolder, error) {
	v := viper.New()

	v.SetConfigName("retry")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/reconciler/config")
	v.AddConfigPath("/etc/reconciler")
	v.AddConfigPath(".")

	v.SetEnvPrefix("RECONCILER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultRetryPolicy()
		v.SetDefault("retry.baseDelay", defaults.BaseDelay)
		v.SetDefault("retry.maxDelay", defaults.MaxDelay)
		v.SetDefault("retry.maxAttempts", defaults.MaxAttempts)
		v.SetDefault("retry.jitterRatio", defaults.JitterRatio)
	}

	var policy RetryPolicy
	if err := v.UnmarshalKey("retry", &policy); err != nil {
		return nil, err
	}
	policy = policy.withDefaults()
	if err := validateRetryPolicy(policy); err != nil {
		return nil, err
	}

	holder := &RetryPolicyHolder{}
	holder.current.Store(policy)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated RetryPolicy
		if err := v.UnmarshalKey("retry", &updated); err != nil {
			log.Printf("[retry-config] reload failed: %v", err)
			return
		}
		updated = updated.withDefaults()
		if err := validateRetryPolicy(updated); err != nil {
			log.Printf("[retry-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[retry-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *RetryPolicyHolder) Get() RetryPolicy {
	return h.current.Load().(RetryPolicy)
}

// StaticRetryPolicyHolder wraps a fixed policy with no file watching.
func StaticRetryPolicyHolder(policy RetryPolicy) *RetryPolicyHolder {
	holder := &RetryPolicyHolder{}
	holder.current.Store(policy.withDefaults())
	return holder
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	defaults := DefaultRetryPolicy()
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaults.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaults.MaxDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}
	if p.JitterRatio <= 0 || p.JitterRatio > 1 {
		p.JitterRatio = defaults.JitterRatio
	}
	return p
}

func validateRetryPolicy(p RetryPolicy) error {
	if p.MaxDelay < p.BaseDelay {
		return errors.New("retry.maxDelay cannot be smaller than retry.baseDelay")
	}
	return nil
}
