// Package server wires the domain services into an HTTP router.
package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"workcell/internal/audit"
	"workcell/internal/config"
	"workcell/internal/dashboard"
	"workcell/internal/database"
	"workcell/internal/handlers/inventory"
	"workcell/internal/handlers/manufacturing"
	"workcell/internal/handlers/procurement"
	"workcell/internal/handlers/sales"
	"workcell/internal/kitting"
	"workcell/internal/quotations"
	"workcell/internal/response"
	salessvc "workcell/internal/sales"
	"workcell/internal/websocket"
	"workcell/internal/workorder"
)

// App holds shared dependencies for the application.
type App struct {
	DB     *database.DB
	Hub    *websocket.Hub
	Config config.Config

	Inventory     *inventory.Handler
	Manufacturing *manufacturing.Handler
	Procurement   *procurement.Handler
	Sales         *sales.Handler
}

// New builds the services and handlers on top of db.
func New(db *database.DB, hub *websocket.Hub, cfg config.Config) *App {
	return &App{
		DB:     db,
		Hub:    hub,
		Config: cfg,
		Inventory: &inventory.Handler{
			DB:  db,
			Hub: hub,
		},
		Manufacturing: &manufacturing.Handler{
			DB:         db,
			Hub:        hub,
			WorkOrders: workorder.New(db, cfg.FGLocation),
			Kits:       kitting.New(db, cfg.FGLocation),
		},
		Procurement: &procurement.Handler{
			DB:  db,
			Hub: hub,
		},
		Sales: &sales.Handler{
			DB:         db,
			Hub:        hub,
			Sales:      salessvc.New(db),
			Quotations: quotations.New(db),
		},
	}
}

type idHandler func(http.ResponseWriter, *http.Request, int64)

// withID parses the {id} path parameter for handlers that take it.
func withID(fn idHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil || id <= 0 {
			response.Err(w, "invalid id", http.StatusBadRequest)
			return
		}
		fn(w, r, id)
	}
}

// Router returns the full HTTP handler. Every API route is served both at
// the root and under /api/v1.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(SecurityHeaders)
	if a.Config.RateLimit.RPS > 0 {
		r.Use(RateLimitMiddleware(NewRateLimiter(a.Config.RateLimit.RPS, a.Config.RateLimit.Burst)))
	}

	r.Get("/health", a.health)
	r.Get("/ws", websocket.Handler(a.Hub))

	r.Group(func(r chi.Router) {
		r.Use(Compress)
		a.routes(r)
	})
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(Compress)
		a.routes(r)
	})
	return r
}

func (a *App) routes(r chi.Router) {
	inv := a.Inventory
	r.Route("/items", func(r chi.Router) {
		r.Get("/", inv.ListItems)
		r.Post("/", inv.CreateItem)
		r.Get("/{id}", withID(inv.GetItem))
	})
	r.Route("/inventories", func(r chi.Router) {
		r.Get("/", inv.ListLots)
		r.Post("/", inv.ReceiveLot)
		r.Get("/export", inv.ExportLots)
		r.Get("/{id}", withID(inv.GetLot))
		r.Put("/{id}", withID(inv.UpdateLot))
		r.Get("/{id}/transactions", withID(inv.LotTransactions))
	})
	r.Get("/inventorytransactions", inv.Transactions)

	mfg := a.Manufacturing
	r.Route("/bom", func(r chi.Router) {
		r.Get("/", mfg.ListBOMs)
		r.Post("/", mfg.CreateBOM)
		r.Get("/active", mfg.ListActiveBOMs)
		r.Put("/components/{id}", withID(mfg.UpdateBOMComponent))
		r.Delete("/components/{id}", withID(mfg.DeleteBOMComponent))
		r.Get("/{id}", withID(mfg.GetBOM))
		r.Put("/{id}", withID(mfg.UpdateBOM))
		r.Delete("/{id}", withID(mfg.DeleteBOM))
		r.Get("/{id}/explode", withID(mfg.ExplodeBOM))
		r.Post("/{id}/components", withID(mfg.AddBOMComponent))
	})
	r.Route("/work-orders", func(r chi.Router) {
		r.Get("/", mfg.ListWorkOrders)
		r.Post("/", mfg.CreateWorkOrder)
		r.Post("/from-bom", mfg.CreateWorkOrderFromBOM)
		r.Get("/roots", mfg.ListRootWorkOrders)
		r.Get("/tree/{id}", withID(mfg.WorkOrderTree))
		r.Get("/inventory/{id}", withID(mfg.WorkOrderInventory))
		r.Put("/components/{id}", withID(mfg.UpdateWorkOrderComponent))
		r.Delete("/components/{id}", withID(mfg.DeleteWorkOrderComponent))
		r.Get("/{id}", withID(mfg.GetWorkOrder))
		r.Put("/{id}", withID(mfg.UpdateWorkOrder))
		r.Delete("/{id}", withID(mfg.DeleteWorkOrder))
		r.Post("/{id}/components", withID(mfg.AddWorkOrderComponent))
		r.Post("/{id}/allocate", withID(mfg.AllocateWorkOrder))
		r.Post("/{id}/start", withID(mfg.StartWorkOrder))
		r.Post("/{id}/complete", withID(mfg.CompleteWorkOrder))
		r.Post("/{id}/cancel", withID(mfg.CancelWorkOrder))
	})
	r.Route("/kit-items", func(r chi.Router) {
		r.Get("/", mfg.ListKits)
		r.Post("/", mfg.CreateKit)
		r.Get("/inventory/{id}", withID(mfg.KitInventory))
		r.Put("/components/{id}", withID(mfg.UpdateKitComponent))
		r.Delete("/components/{id}", withID(mfg.DeleteKitComponent))
		r.Get("/{id}", withID(mfg.GetKit))
		r.Put("/{id}", withID(mfg.UpdateKit))
		r.Delete("/{id}", withID(mfg.DeleteKit))
		r.Post("/{id}/components", withID(mfg.AddKitComponent))
		r.Post("/{id}/reserve", withID(mfg.ReserveKit))
		r.Post("/{id}/complete", withID(mfg.CompleteKit))
		r.Post("/{id}/cancel", withID(mfg.CancelKit))
	})

	proc := a.Procurement
	r.Route("/purchase-requests", func(r chi.Router) {
		r.Get("/", proc.ListRequests)
		r.Post("/", proc.CreateRequest)
		r.Post("/convert-to-po", proc.ConvertToPO)
		r.Get("/{id}", withID(proc.GetRequest))
		r.Patch("/{id}/status", withID(proc.UpdateRequestStatus))
		r.Delete("/{id}", withID(proc.DeleteRequest))
	})
	r.Route("/purchase-orders", func(r chi.Router) {
		r.Get("/", proc.ListOrders)
		r.Post("/", proc.CreateOrder)
		r.Put("/details/{id}", withID(proc.UpdateOrderDetail))
		r.Post("/details/{id}/receive", withID(proc.ReceiveDetail))
		r.Get("/{id}", withID(proc.GetOrder))
		r.Put("/{id}", withID(proc.UpdateOrder))
		r.Post("/{id}/details", withID(proc.AddOrderDetail))
	})
	r.Route("/suppliers", func(r chi.Router) {
		r.Get("/", proc.ListSuppliers)
		r.Post("/", proc.CreateSupplier)
		r.Get("/{id}", withID(proc.GetSupplier))
		r.Put("/{id}", withID(proc.UpdateSupplier))
		r.Delete("/{id}", withID(proc.DeleteSupplier))
	})

	so := a.Sales
	r.Route("/sales", func(r chi.Router) {
		r.Get("/", so.ListOrders)
		r.Post("/", so.CreateOrder)
		r.Get("/inventory/{id}", withID(so.Inventory))
		r.Put("/details/{id}", withID(so.UpdateDetail))
		r.Post("/details/{id}/ship", withID(so.Ship))
		r.Get("/{id}", withID(so.GetOrder))
		r.Put("/{id}", withID(so.UpdateOrder))
		r.Post("/{id}/details", withID(so.AddDetail))
		r.Post("/{id}/cancel", withID(so.CancelOrder))
		r.Delete("/{id}", withID(so.DeleteOrder))
	})
	r.Route("/quotations", func(r chi.Router) {
		r.Get("/", so.ListQuotations)
		r.Post("/", so.CreateQuotation)
		r.Put("/details/{id}", withID(so.UpdateQuotationDetail))
		r.Delete("/details/{id}", withID(so.DeleteQuotationDetail))
		r.Get("/{id}", withID(so.GetQuotation))
		r.Put("/{id}", withID(so.UpdateQuotation))
		r.Delete("/{id}", withID(so.DeleteQuotation))
		r.Post("/{id}/details", withID(so.AddQuotationDetail))
		r.Post("/{id}/convert-to-so", withID(so.ConvertQuotation))
	})
	r.Route("/customers", func(r chi.Router) {
		r.Get("/", so.ListCustomers)
		r.Post("/", so.CreateCustomer)
		r.Get("/{id}", withID(so.GetCustomer))
		r.Put("/{id}", withID(so.UpdateCustomer))
		r.Delete("/{id}", withID(so.DeleteCustomer))
	})

	r.Get("/dashboard/stats", a.dashboard)

	r.Get("/audit", a.auditLog)
}

func (a *App) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.DB.PingContext(ctx); err != nil {
		response.JSONStatus(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	response.JSON(w, map[string]any{"status": "ok", "clients": a.Hub.ClientCount()})
}

// auditLog handles GET /audit?module=&limit=.
func (a *App) auditLog(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := audit.List(r.Context(), a.DB, r.URL.Query().Get("module"), limit)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.JSON(w, entries)
}

// dashboard handles GET /dashboard/stats.
func (a *App) dashboard(w http.ResponseWriter, r *http.Request) {
	st, err := dashboard.Load(r.Context(), a.DB, time.Now())
	if err != nil {
		response.Error(w, err)
		return
	}
	response.JSON(w, st)
}
