package config

import (
	"os"
	"time"

	"github.com/andrej220/fcdeploy/pkg/fc"
	"github.com/andrej220/fcdeploy/pkg/monitor"
	"github.com/andrej220/fcdeploy/pkg/remote"
)

const (
	PasswordEnv = "FCDEPLOY_PC_PASSWORD"

	DefaultMonitorWorkers  = 40
	DefaultServiceInterval = 10 * time.Second
	DefaultServiceTimeout  = 15 * time.Minute
	DefaultCVMInterval     = 30 * time.Second
	DefaultCVMTimeout      = 30 * time.Minute
)

// DeployConfig is one deployment document: the Prism Central to talk to and
// everything to do on it.
type DeployConfig struct {
	ID           string    `yaml:"id,omitempty" json:"id,omitempty" bson:"_id,omitempty"`
	PrismCentral fc.Config `yaml:"prism_central" json:"prism_central" bson:"prism_central"`

	// nil means "enable"; only an explicit false opts out
	EnableFC          *bool `yaml:"enable_fc,omitempty" json:"enable_fc,omitempty" bson:"enable_fc,omitempty"`
	EnableMarketplace *bool `yaml:"enable_marketplace,omitempty" json:"enable_marketplace,omitempty" bson:"enable_marketplace,omitempty"`

	Runner  RunnerConfig  `yaml:"runner" json:"runner" bson:"runner"`
	Monitor MonitorConfig `yaml:"monitor" json:"monitor" bson:"monitor"`

	Imaging        []ImagingBatch `yaml:"imaging,omitempty" json:"imaging,omitempty" bson:"imaging,omitempty" validate:"dive"`
	CreateClusters []ClusterSpec  `yaml:"create_clusters,omitempty" json:"create_clusters,omitempty" bson:"create_clusters,omitempty" validate:"dive"`

	CVMCheck *CVMCheck `yaml:"cvm_check,omitempty" json:"cvm_check,omitempty" bson:"cvm_check,omitempty"`
}

type RunnerConfig struct {
	MaxWorkers     int `yaml:"max_workers" json:"max_workers" bson:"max_workers" validate:"gte=0"`
	MonitorWorkers int `yaml:"monitor_workers" json:"monitor_workers" bson:"monitor_workers" validate:"gte=0"`
}

type MonitorConfig struct {
	Deployment monitor.Config `yaml:"deployment" json:"deployment" bson:"deployment"`
	Service    monitor.Config `yaml:"service" json:"service" bson:"service"`
	// SettleDelay is waited after a service came up.
	SettleDelay time.Duration `yaml:"settle_delay" json:"settle_delay" bson:"settle_delay" validate:"gte=0"`
}

// NodeSpec names a node by serial. Any other key overrides the node record
// Foundation Central returned for it.
type NodeSpec struct {
	Serial    string         `yaml:"node_serial" json:"node_serial" bson:"node_serial" validate:"required,nodeserial"`
	Overrides map[string]any `yaml:",inline" json:"-" bson:",inline"`
}

type HypervisorISO struct {
	Type      string `yaml:"hypervisor_type" json:"hypervisor_type" bson:"hypervisor_type" validate:"required,oneof=kvm esx hyperv"`
	URL       string `yaml:"url" json:"url" bson:"url" validate:"required,url"`
	SHA256Sum string `yaml:"sha256sum,omitempty" json:"sha256sum,omitempty" bson:"sha256sum,omitempty"`
}

type ImagingParameters struct {
	AOSPackageURL       string `yaml:"aos_package_url" json:"aos_package_url" bson:"aos_package_url" validate:"required,url"`
	AOSPackageSHA256Sum string `yaml:"aos_package_sha256sum,omitempty" json:"aos_package_sha256sum,omitempty" bson:"aos_package_sha256sum,omitempty"`
	AOSMetadataURL      string `yaml:"aos_metadata_url,omitempty" json:"aos_metadata_url,omitempty" bson:"aos_metadata_url,omitempty" validate:"omitempty,url"`
}

// ImagingBatch is a set of nodes imaged together without forming a cluster.
type ImagingBatch struct {
	Name                  string            `yaml:"name,omitempty" json:"name,omitempty" bson:"name,omitempty"`
	Nodes                 []NodeSpec        `yaml:"nodes_list" json:"nodes_list" bson:"nodes_list" validate:"required,min=1,uniqueserials,dive"`
	ImagingParameters     ImagingParameters `yaml:"imaging_parameters" json:"imaging_parameters" bson:"imaging_parameters"`
	HypervisorISOs        []HypervisorISO   `yaml:"hypervisor_isos" json:"hypervisor_isos" bson:"hypervisor_isos" validate:"required,min=1,dive"`
	CommonNetworkSettings map[string]any    `yaml:"common_network_settings,omitempty" json:"common_network_settings,omitempty" bson:"common_network_settings,omitempty"`
	Network               map[string]any    `yaml:"network,omitempty" json:"network,omitempty" bson:"network,omitempty"`
}

// Key names the batch in results; unnamed batches use the first serial.
func (b ImagingBatch) Key() string {
	if b.Name != "" {
		return b.Name
	}
	if len(b.Nodes) > 0 {
		return "imaging-" + b.Nodes[0].Serial
	}
	return "imaging"
}

func (b ImagingBatch) Serials() []string {
	return serials(b.Nodes)
}

type ClusterSpec struct {
	Name                  string         `yaml:"cluster_name" json:"cluster_name" bson:"cluster_name" validate:"required"`
	ExternalIP            string         `yaml:"cluster_external_ip,omitempty" json:"cluster_external_ip,omitempty" bson:"cluster_external_ip,omitempty" validate:"omitempty,ip"`
	Nodes                 []NodeSpec     `yaml:"nodes_list" json:"nodes_list" bson:"nodes_list" validate:"required,min=1,uniqueserials,dive"`
	CommonNetworkSettings map[string]any `yaml:"common_network_settings,omitempty" json:"common_network_settings,omitempty" bson:"common_network_settings,omitempty"`
	Network               map[string]any `yaml:"network,omitempty" json:"network,omitempty" bson:"network,omitempty"`
}

func (c ClusterSpec) Serials() []string {
	return serials(c.Nodes)
}

// CVMCheck runs Command over SSH on every created cluster until it exits 0
// (and prints Expect, when set).
type CVMCheck struct {
	Command string         `yaml:"command" json:"command" bson:"command" validate:"required"`
	Expect  string         `yaml:"expect,omitempty" json:"expect,omitempty" bson:"expect,omitempty"`
	SSH     remote.Config  `yaml:"ssh" json:"ssh" bson:"ssh"`
	Monitor monitor.Config `yaml:"monitor" json:"monitor" bson:"monitor"`
}

func serials(nodes []NodeSpec) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.Serial)
	}
	return out
}

// Enabled reports whether an opt-out flag allows the service.
func Enabled(flag *bool) bool {
	return flag == nil || *flag
}

// ApplyDefaults fills unset timings and worker counts and takes the Prism
// Central password from the environment when it is set there.
func (c *DeployConfig) ApplyDefaults() {
	if pw := os.Getenv(PasswordEnv); pw != "" {
		c.PrismCentral.Password = pw
	}
	if c.Runner.MonitorWorkers <= 0 {
		c.Runner.MonitorWorkers = DefaultMonitorWorkers
	}
	if c.Monitor.Deployment.Interval <= 0 {
		c.Monitor.Deployment.Interval = monitor.DefaultInterval
	}
	if c.Monitor.Deployment.Timeout <= 0 {
		c.Monitor.Deployment.Timeout = monitor.DefaultTimeout
	}
	if c.Monitor.Service.Interval <= 0 {
		c.Monitor.Service.Interval = DefaultServiceInterval
	}
	if c.Monitor.Service.Timeout <= 0 {
		c.Monitor.Service.Timeout = DefaultServiceTimeout
	}
	if c.CVMCheck != nil {
		if c.CVMCheck.Monitor.Interval <= 0 {
			c.CVMCheck.Monitor.Interval = DefaultCVMInterval
		}
		if c.CVMCheck.Monitor.Timeout <= 0 {
			c.CVMCheck.Monitor.Timeout = DefaultCVMTimeout
		}
	}
}
