package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/andrej220/fcdeploy/internal/lg"
	"github.com/andrej220/fcdeploy/pkg/config"
	"github.com/andrej220/fcdeploy/pkg/fc"
	"github.com/andrej220/fcdeploy/pkg/report"
	"github.com/google/uuid"
)

// Imaging images batches of nodes through Foundation Central without
// forming clusters.
type Imaging struct {
	deployer
}

func NewImaging(cfg *config.DeployConfig, deps Deps, exuid uuid.UUID) *Imaging {
	return &Imaging{deployer: newDeployer("imaging", cfg, deps, exuid)}
}

func (w *Imaging) Name() string           { return w.flow }
func (w *Imaging) Report() *report.Report { return w.rep }

func (w *Imaging) Execute(ctx context.Context) error {
	if len(w.cfg.Imaging) == 0 {
		return nil
	}
	if w.deps.Client == nil {
		return ErrNoClient
	}
	logger := lg.FromContext(ctx).With(lg.String("workflow", w.flow))
	logger.Info("Imaging nodes in Foundation Central", lg.Int("batches", len(w.cfg.Imaging)))

	var items []deployment
	seen := make(map[string]bool, len(w.cfg.Imaging))
	for _, b := range w.cfg.Imaging {
		if seen[b.Key()] {
			logger.Error("Skipping imaging batch with a duplicate name", lg.String("batch", b.Key()))
			w.rep.AddErrorf("Duplicate imaging batch %s. Skipping nodes %s", b.Key(), strings.Join(b.Serials(), ", "))
			continue
		}
		seen[b.Key()] = true

		payload, err := w.payload(ctx, b)
		if err != nil {
			logger.Error("Skipping imaging batch", lg.String("batch", b.Key()), lg.Err(err))
			w.rep.AddError(err)
			continue
		}
		items = append(items, deployment{name: b.Key(), payload: payload})
	}

	w.deploy(ctx, items)
	return ctx.Err()
}

func (w *Imaging) payload(ctx context.Context, b config.ImagingBatch) (map[string]any, error) {
	serials := b.Serials()
	if len(serials) == 1 {
		return nil, fmt.Errorf("FC does not support imaging a single node cluster. Skipping deployment for batch %s with node %s",
			b.Key(), serials[0])
	}

	existing, err := w.deps.Client.ImagedNodes(ctx, serials)
	if err != nil {
		return nil, fmt.Errorf("batch %s: %w", b.Key(), err)
	}
	if missing := missingSerials(serials, existing); len(missing) > 0 {
		return nil, fmt.Errorf("Node serials %s not available in FC. Skipping imaging for batch %s",
			strings.Join(missing, ", "), b.Key())
	}

	nodes := make([]fc.ImagedNode, 0, len(b.Nodes))
	for _, spec := range b.Nodes {
		node := mergeNode(existing[spec.Serial], spec, b.Network)
		node["image_now"] = true
		nodes = append(nodes, node)
	}

	payload := map[string]any{
		"nodes_list":              nodes,
		"aos_package_url":         b.ImagingParameters.AOSPackageURL,
		"hypervisor_isos":         b.HypervisorISOs,
		"common_network_settings": b.CommonNetworkSettings,
		"skip_cluster_creation":   true,
	}
	if sum := b.ImagingParameters.AOSPackageSHA256Sum; sum != "" {
		payload["aos_package_sha256sum"] = sum
	}
	if u := b.ImagingParameters.AOSMetadataURL; u != "" {
		payload["aos_metadata_url"] = u
	}
	return payload, nil
}

// Verify has nothing to check beyond the monitored deployment states.
func (w *Imaging) Verify(context.Context) error { return nil }
