package deployment

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"deploy-agent/internal/command"
	"deploy-agent/internal/modules"
)

// StatusReporter answers inventory queries and starts or stops modules
type StatusReporter struct {
	inventory  Inventory
	registry   modules.Registry
	marshaller Marshaller
	logger     *slog.Logger
}

// Packages lists installed packages and their modules
func (s *StatusReporter) Packages(ctx context.Context, req *command.Request) *command.Response {
	pkgs, err := s.inventory.GetPackages()
	if err != nil {
		s.logger.Error("error getting resource", "resource", "packages", "error", err)
		return command.Fail(command.CodeError, "Error getting resource packages", err)
	}

	doc := PackagesDocument{Packages: make([]PackageDocument, 0, len(pkgs))}
	for _, p := range pkgs {
		pd := PackageDocument{Name: p.Name, Version: p.Version, Modules: make([]ModuleDocument, 0, len(p.Modules))}
		for _, m := range p.Modules {
			pd.Modules = append(pd.Modules, ModuleDocument{ID: m.ID, Name: m.Name, Version: m.Version})
		}
		doc.Packages = append(doc.Packages, pd)
	}
	return s.document("packages", doc)
}

// Modules lists runtime modules with their lifecycle state
func (s *StatusReporter) Modules(ctx context.Context, req *command.Request) *command.Response {
	mods, err := s.registry.List(ctx)
	if err != nil {
		s.logger.Error("error getting resource", "resource", "modules", "error", err)
		return command.Fail(command.CodeError, "Error getting resource modules", err)
	}

	doc := ModulesDocument{Modules: make([]ModuleState, 0, len(mods))}
	for _, m := range mods {
		doc.Modules = append(doc.Modules, ModuleState{
			ID:      m.ID,
			Name:    m.Name,
			Version: m.Version,
			Package: m.Package,
			State:   string(m.State),
		})
	}
	return s.document("modules", doc)
}

// Start handles EXEC start/<id>
func (s *StatusReporter) Start(ctx context.Context, req *command.Request) *command.Response {
	return s.lifecycle(ctx, req.Args(), true)
}

// Stop handles EXEC stop/<id>
func (s *StatusReporter) Stop(ctx context.Context, req *command.Request) *command.Response {
	return s.lifecycle(ctx, req.Args(), false)
}

// Control handles EXEC modules/start/<id> and EXEC modules/stop/<id>
func (s *StatusReporter) Control(ctx context.Context, req *command.Request) *command.Response {
	args := req.Args()
	if len(args) == 0 {
		return command.Fail(command.CodeBadRequest, "Missing module operation", nil)
	}
	switch args[0] {
	case "start":
		return s.lifecycle(ctx, args[1:], true)
	case "stop":
		return s.lifecycle(ctx, args[1:], false)
	default:
		return command.NewResponse(command.CodeNotFound)
	}
}

func (s *StatusReporter) lifecycle(ctx context.Context, args []string, start bool) *command.Response {
	op := "stop"
	if start {
		op = "start"
	}
	if len(args) == 0 {
		s.logger.Info("module control without id", "operation", op)
		return command.NewResponse(command.CodeBadRequest)
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		s.logger.Error("bad module id format", "operation", op, "id", args[0], "error", err)
		resp := command.NewResponse(command.CodeBadRequest)
		resp.SetException(err)
		return resp
	}

	if _, err := s.registry.Get(ctx, id); err != nil {
		if errors.Is(err, modules.ErrNotFound) {
			s.logger.Error("module not found", "module_id", id)
			return command.NewResponse(command.CodeNotFound)
		}
		return command.Fail(command.CodeError, "", err)
	}

	if start {
		err = s.registry.Start(ctx, id)
	} else {
		err = s.registry.Stop(ctx, id)
	}
	switch {
	case errors.Is(err, modules.ErrNotFound):
		return command.NewResponse(command.CodeNotFound)
	case err != nil:
		s.logger.Error("module control failed", "operation", op, "module_id", id, "error", err)
		return command.Fail(command.CodeError, "", err)
	}
	s.logger.Info("module control done", "operation", op, "module_id", id)
	return command.NewResponse(command.CodeOK)
}

func (s *StatusReporter) document(resource string, doc any) *command.Response {
	body, err := s.marshaller.Marshal(doc)
	if err != nil {
		s.logger.Error("error getting resource", "resource", resource, "error", err)
		return command.Fail(command.CodeError, "Error getting resource "+resource, err)
	}
	resp := command.NewResponse(command.CodeOK)
	resp.Body = body
	return resp
}
