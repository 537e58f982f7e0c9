package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/danavision/api/internal/autoconfig"
	"github.com/danavision/api/internal/model"
)

// StoreConfigurator detects a store's search template.
type StoreConfigurator interface {
	Configure(ctx context.Context, rawURL string, opts autoconfig.Options, t model.Tracker) (*model.AutoConfigResult, error)
}

// StoreRegistry records stores and their templates.
type StoreRegistry interface {
	AddStore(ctx context.Context, userID, rawURL, name string, local bool, category model.StoreCategory) (*model.Store, error)
	SaveTemplate(ctx context.Context, storeID int64, template string, parentID *int64) error
}

// AutoConfigWorker runs store_auto_config jobs.
type AutoConfigWorker struct {
	configurator StoreConfigurator
	stores       StoreRegistry
}

func NewAutoConfigWorker(configurator StoreConfigurator, stores StoreRegistry) *AutoConfigWorker {
	return &AutoConfigWorker{configurator: configurator, stores: stores}
}

// Configure is the store_auto_config pipeline.
func (w *AutoConfigWorker) Configure(ctx context.Context, job *model.Job, t *Tracker) (any, error) {
	var in model.AutoConfigJobInput
	if err := json.Unmarshal(job.Input, &in); err != nil || in.URL == "" {
		return nil, fmt.Errorf("%w: store url is required", ErrInvalidInput)
	}

	var storeID int64
	if in.StoreID != nil {
		storeID = *in.StoreID
	} else {
		store, err := w.stores.AddStore(ctx, job.UserID, in.URL, in.Name, false, "")
		if err != nil {
			return nil, err
		}
		storeID = store.ID
		t.Info(fmt.Sprintf("Registered %s as store %d", store.Domain, store.ID))
	}

	res, err := w.configurator.Configure(ctx, in.URL, autoconfig.Options{UseAgent: in.UseAgent}, t)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := model.AutoConfigJobOutput{StoreID: storeID, Result: res}
	if res.Cancelled || t.Cancelled(ctx) {
		out.Cancelled = true
		out.Message = "Cancelled"
		return out, nil
	}
	if !res.Success {
		out.Message = res.Error
		return out, nil
	}

	template := res.Template
	if res.ParentStoreID != nil {
		// Chain members search through the parent's template.
		template = ""
	}
	t.Progress(95, "Saving search template")
	if err := w.stores.SaveTemplate(ctx, storeID, template, res.ParentStoreID); err != nil {
		return nil, err
	}
	out.Message = fmt.Sprintf("Configured via %s", res.Tier)
	if !res.Validated {
		out.Message += " (unvalidated)"
	}
	return out, nil
}
