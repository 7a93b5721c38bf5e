package core

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is an odsign config.
type Config struct {
	SigningKeyPath          string `json:",omitempty" env:"ODSIGN_SIGNING_KEY"`
	RootCertPath            string `json:",omitempty" env:"ODSIGN_ROOT_CERT"`
	CompOsCertPath          string `json:",omitempty" env:"ODSIGN_COMPOS_CERT"`
	OdsignInfoPath          string `json:",omitempty" env:"ODSIGN_INFO"`
	OdsignInfoSignaturePath string `json:",omitempty" env:"ODSIGN_INFO_SIGNATURE"`

	ArtifactsDir              string `json:",omitempty" env:"ODSIGN_ARTIFACTS_DIR"`
	CompOsPendingArtifactsDir string `json:",omitempty" env:"ODSIGN_COMPOS_PENDING_ARTIFACTS_DIR"`
	CompOsCurrentPublicKey    string `json:",omitempty" env:"ODSIGN_COMPOS_CURRENT_PUBLIC_KEY"`
	CompOsPendingPublicKey    string `json:",omitempty" env:"ODSIGN_COMPOS_PENDING_PUBLIC_KEY"`

	OdrefreshPath    string `json:",omitempty" env:"ODSIGN_ODREFRESH"`
	CompOsVerifyPath string `json:",omitempty" env:"ODSIGN_COMPOS_VERIFY_KEY"`
	FsVerityProcPath string `json:",omitempty" env:"ODSIGN_FSVERITY_PROC"`
	KvmDevicePath    string `json:",omitempty" env:"ODSIGN_KVM_DEVICE"`
	ProcKeysPath     string `json:",omitempty" env:"ODSIGN_PROC_KEYS"`
	PropertyDir      string `json:",omitempty" env:"ODSIGN_PROPERTY_DIR"`

	ForceCompile bool          `json:",omitempty" env:"ODSIGN_FORCE_COMPILE"`
	UseCompOs    bool          `json:",omitempty" env:"ODSIGN_USE_COMPOS"`
	ToolTimeout  time.Duration `json:",omitempty" env:"ODSIGN_TOOL_TIMEOUT"`

	LogLevel string `json:",omitempty" env:"ODSIGN_LOG_LEVEL"`
	LogFile  string `json:",omitempty" env:"ODSIGN_LOG_FILE"`
}

// jsonConfig has the fields of Config without its JSON methods.
type jsonConfig Config

// MarshalJSON writes ToolTimeout as a duration string.
func (c Config) MarshalJSON() ([]byte, error) {
	timeout := ""
	if c.ToolTimeout != 0 {
		timeout = c.ToolTimeout.String()
	}
	return json.Marshal(struct {
		jsonConfig
		ToolTimeout string `json:",omitempty"`
	}{jsonConfig(c), timeout})
}

// UnmarshalJSON reads ToolTimeout as a duration string, the same format the
// environment uses. Fields absent from data keep their current value.
func (c *Config) UnmarshalJSON(data []byte) error {
	aux := struct {
		*jsonConfig
		ToolTimeout string `json:",omitempty"`
	}{jsonConfig: (*jsonConfig)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.ToolTimeout == "" {
		return nil
	}
	timeout, err := time.ParseDuration(aux.ToolTimeout)
	if err != nil {
		return fmt.Errorf("parsing ToolTimeout: %w", err)
	}
	c.ToolTimeout = timeout
	return nil
}

// DefaultConfig returns the config of a stock device.
func DefaultConfig() Config {
	return Config{
		SigningKeyPath:          "/data/misc/odsign/signing.key",
		RootCertPath:            "/data/misc/odsign/key.cert",
		CompOsCertPath:          "/data/misc/odsign/compos_key.cert",
		OdsignInfoPath:          "/data/misc/odsign/odsign.info",
		OdsignInfoSignaturePath: "/data/misc/odsign/odsign.info.signature",

		ArtifactsDir:              "/data/misc/apexdata/com.android.art/dalvik-cache",
		CompOsPendingArtifactsDir: "/data/misc/apexdata/com.android.art/compos-pending",
		CompOsCurrentPublicKey:    "/data/misc/apexdata/com.android.compos/current/key.pubkey",
		CompOsPendingPublicKey:    "/data/misc/apexdata/com.android.compos/pending/key.pubkey",

		OdrefreshPath:    "/apex/com.android.art/bin/odrefresh",
		CompOsVerifyPath: "/apex/com.android.compos/bin/compos_verify_key",
		FsVerityProcPath: "/proc/sys/fs/verity",
		KvmDevicePath:    "/dev/kvm",
		ProcKeysPath:     "/proc/keys",
		PropertyDir:      "/dev/__properties__",

		ForceCompile: false,
		UseCompOs:    true,
		ToolTimeout:  10 * time.Minute,

		LogLevel: "info",
	}
}

// ReadConfig reads the config from a file. Defaults will be used for undefined values in the file.
func ReadConfig(filename string, defaults Config) (Config, error) {
	configBytes, err := ioutil.ReadFile(filename)
	if err != nil {
		return Config{}, err
	}
	if err := json.Unmarshal(configBytes, &defaults); err != nil {
		return Config{}, err
	}
	return defaults, nil
}

// FillConfigFromEnvironment overrides the values of config with those set in the environment.
func FillConfigFromEnvironment(config Config) (Config, error) {
	if err := env.Parse(&config); err != nil {
		return Config{}, err
	}
	return config, nil
}
