// Package httpserver exposes the rental engine over HTTP. It is a thin
// façade: every route maps to one engine operation and renders the typed
// result; no domain rules live here.
package httpserver

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/slotrental/pkg/rental"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Config aggregates runtime settings for the façade.
type Config struct {
	ListenAddr      string
	AllowedOrigins  []string
	AdminSigningKey string
}

// Validate ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("listen addr is required")
	}
	if len(cfg.AdminSigningKey) == 0 {
		return fmt.Errorf("admin signing key is required")
	}
	return nil
}

// Server wires the domain services into a gin router.
type Server struct {
	cfg    Config
	ledger *rental.Ledger
	engine *rental.Engine
	desk   *rental.PaymentDesk
	logger *zap.Logger
}

// NewServer constructs the façade.
func NewServer(cfg Config, ledger *rental.Ledger, engine *rental.Engine, desk *rental.PaymentDesk, logger *zap.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ledger == nil || engine == nil || desk == nil {
		return nil, fmt.Errorf("nil service dependency")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{cfg: cfg, ledger: ledger, engine: engine, desk: desk, logger: logger}, nil
}

// Router builds the route table.
func (server *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	if len(server.cfg.AllowedOrigins) > 0 {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowOrigins = server.cfg.AllowedOrigins
		corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization")
		router.Use(cors.New(corsConfig))
	}

	api := router.Group("/api")
	api.GET("/users/:id/balance", server.getBalance)
	api.GET("/users/:id/tickets", server.listUserTickets)
	api.GET("/slots", server.listSlots)
	api.GET("/slots/:id", server.getSlot)
	api.POST("/slots/:id/purchase", server.purchaseSlot)
	api.POST("/slots/:id/ping", server.usePing)
	api.GET("/tiers", server.listTiers)
	api.GET("/packages", server.listPackages)
	api.POST("/tickets", server.createTicket)
	api.GET("/tickets/:id", server.getTicket)
	api.POST("/tickets/:id/quote", server.quoteTicket)
	api.POST("/tickets/:id/transaction", server.submitTransaction)

	admin := api.Group("", requireAdmin([]byte(server.cfg.AdminSigningKey)))
	admin.POST("/users/:id/points", server.adjustPoints)
	admin.POST("/users/:id/admin", server.setAdmin)
	admin.GET("/admins", server.listAdmins)
	admin.POST("/slots", server.addSlot)
	admin.DELETE("/slots/:id", server.removeSlot)
	admin.POST("/slots/:id/rate", server.setSlotRate)
	admin.POST("/slots/:id/release", server.releaseSlot)
	admin.POST("/slots/:id/ping-quota", server.adjustPingQuota)

	return router
}

func (server *Server) renderError(ctx *gin.Context, err error) {
	status, code := mapError(err)
	if status == http.StatusInternalServerError {
		server.logger.Error("request failed", zap.String("path", ctx.FullPath()), zap.Error(err))
	}
	ctx.JSON(status, gin.H{"error": code})
}

func pathID(ctx *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func (server *Server) getBalance(ctx *gin.Context) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	balance, err := server.ledger.GetBalance(ctx.Request.Context(), rental.UserID(id))
	if err != nil {
		server.renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"user_id": id, "balance": int64(balance)})
}

type adjustPointsRequest struct {
	// Pointer so an explicit zero delta binds instead of failing "required".
	Delta *int64 `json:"delta" binding:"required"`
}

func (server *Server) adjustPoints(ctx *gin.Context) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	var request adjustPointsRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := server.ledger.AdjustBalance(ctx.Request.Context(), rental.UserID(id), rental.Points(*request.Delta)); err != nil {
		server.renderError(ctx, err)
		return
	}
	balance, err := server.ledger.GetBalance(ctx.Request.Context(), rental.UserID(id))
	if err != nil {
		server.renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"user_id": id, "balance": int64(balance)})
}

type setAdminRequest struct {
	Admin *bool `json:"admin" binding:"required"`
}

func (server *Server) setAdmin(ctx *gin.Context) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	var request setAdminRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := server.ledger.SetAdmin(ctx.Request.Context(), rental.UserID(id), *request.Admin); err != nil {
		server.renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"user_id": id, "admin": *request.Admin})
}

func (server *Server) listAdmins(ctx *gin.Context) {
	admins, err := server.ledger.ListAdmins(ctx.Request.Context())
	if err != nil {
		server.renderError(ctx, err)
		return
	}
	ids := make([]int64, 0, len(admins))
	for _, admin := range admins {
		ids = append(ids, int64(admin))
	}
	ctx.JSON(http.StatusOK, gin.H{"admins": ids})
}

type slotView struct {
	SlotID         int64  `json:"slot_id"`
	PointCost      int64  `json:"point_cost"`
	DefaultLabel   string `json:"default_label"`
	Occupied       bool   `json:"occupied"`
	OccupantID     *int64 `json:"occupant_id,omitempty"`
	ExpiresAt      *int64 `json:"expires_at,omitempty"`
	PingsRemaining *int   `json:"pings_remaining,omitempty"`
}

func makeSlotView(slot rental.Slot) slotView {
	view := slotView{
		SlotID:       int64(slot.ID),
		PointCost:    int64(slot.PointCost),
		DefaultLabel: slot.DefaultLabel,
		Occupied:     slot.Occupied(),
	}
	if slot.Occupancy != nil {
		occupant := int64(slot.Occupancy.UserID)
		expires := slot.Occupancy.ExpiresUnixUTC
		pings := slot.Occupancy.PingsRemaining
		view.OccupantID = &occupant
		view.ExpiresAt = &expires
		view.PingsRemaining = &pings
	}
	return view
}

func (server *Server) listSlots(ctx *gin.Context) {
	slots, err := server.engine.ListSlots(ctx.Request.Context())
	if err != nil {
		server.renderError(ctx, err)
		return
	}
	views := make([]slotView, 0, len(slots))
	for _, slot := range slots {
		views = append(views, makeSlotView(slot))
	}
	ctx.JSON(http.StatusOK, gin.H{"slots": views})
}

func (server *Server) getSlot(ctx *gin.Context) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	slot, err := server.engine.GetSlot(ctx.Request.Context(), rental.SlotID(id))
	if err != nil {
		server.renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, makeSlotView(slot))
}

type addSlotRequest struct {
	SlotID       int64  `json:"slot_id" binding:"required"`
	PointCost    int64  `json:"point_cost" binding:"required"`
	DefaultLabel string `json:"default_label" binding:"required"`
}

func (server *Server) addSlot(ctx *gin.Context) {
	var request addSlotRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	err := server.engine.AddSlot(ctx.Request.Context(), rental.SlotID(request.SlotID), rental.Points(request.PointCost), request.DefaultLabel)
	if err != nil {
		server.renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"slot_id": request.SlotID})
}

func (server *Server) removeSlot(ctx *gin.Context) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	if err := server.engine.RemoveSlot(ctx.Request.Context(), rental.SlotID(id)); err != nil {
		server.renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"slot_id": id})
}

type setRateRequest struct {
	PointCost int64 `json:"point_cost" binding:"required"`
}

func (server *Server) setSlotRate(ctx *gin.Context) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	var request setRateRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := server.engine.SetSlotRate(ctx.Request.Context(), rental.SlotID(id), rental.Points(request.PointCost)); err != nil {
		server.renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"slot_id": id, "point_cost": request.PointCost})
}

func (server *Server) releaseSlot(ctx *gin.Context) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	if err := server.engine.ReleaseSlot(ctx.Request.Context(), rental.SlotID(id)); err != nil {
		server.renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"slot_id": id, "occupied": false})
}

type purchaseRequest struct {
	UserID   int64  `json:"user_id" binding:"required"`
	Duration string `json:"duration" binding:"required"`
}

func (server *Server) purchaseSlot(ctx *gin.Context) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	expiresAt, err := server.engine.PurchaseSlot(ctx.Request.Context(), rental.SlotID(id), rental.UserID(request.UserID), rental.DurationKey(request.Duration))
	if err != nil {
		server.renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"slot_id": id, "user_id": request.UserID, "expires_at": expiresAt})
}

type pingRequest struct {
	UserID int64 `json:"user_id" binding:"required"`
}

func (server *Server) usePing(ctx *gin.Context) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	var request pingRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	remaining, err := server.engine.UsePing(ctx.Request.Context(), rental.SlotID(id), rental.UserID(request.UserID))
	if err != nil {
		server.renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"slot_id": id, "pings_remaining": remaining})
}

type pingQuotaRequest struct {
	Delta *int `json:"delta" binding:"required"`
}

func (server *Server) adjustPingQuota(ctx *gin.Context) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	var request pingQuotaRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	remaining, err := server.engine.AdjustPingQuota(ctx.Request.Context(), rental.SlotID(id), *request.Delta)
	if err != nil {
		server.renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"slot_id": id, "pings_remaining": remaining})
}

func (server *Server) listTiers(ctx *gin.Context) {
	tiers := server.engine.Tiers()
	views := make([]gin.H, 0, len(tiers))
	for _, tier := range tiers {
		views = append(views, gin.H{
			"key":        string(tier.Key),
			"label":      tier.Label,
			"seconds":    tier.Seconds,
			"point_cost": int64(tier.PointCost),
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"tiers": views})
}

func (server *Server) listPackages(ctx *gin.Context) {
	packages := server.desk.Packages()
	views := make([]gin.H, 0, len(packages))
	for _, pkg := range packages {
		views = append(views, gin.H{
			"points":      int64(pkg.Points),
			"price_cents": pkg.PriceCents,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"packages": views})
}

type createTicketRequest struct {
	UserID int64 `json:"user_id" binding:"required"`
}

func (server *Server) createTicket(ctx *gin.Context) {
	var request createTicketRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	ticketID, err := server.desk.CreateTicket(ctx.Request.Context(), rental.UserID(request.UserID))
	if err != nil {
		server.renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, gin.H{"ticket_id": int64(ticketID)})
}

type ticketView struct {
	TicketID         int64  `json:"ticket_id"`
	RequesterID      int64  `json:"requester_id"`
	Status           string `json:"status"`
	Currency         string `json:"currency,omitempty"`
	QuotedPoints     int64  `json:"quoted_points,omitempty"`
	QuotedPriceCents int64  `json:"quoted_price_cents,omitempty"`
	TransactionID    string `json:"transaction_id,omitempty"`
	CreatedAt        int64  `json:"created_at"`
	CompletedAt      int64  `json:"completed_at,omitempty"`
}

func makeTicketView(ticket rental.Ticket) ticketView {
	return ticketView{
		TicketID:         int64(ticket.ID),
		RequesterID:      int64(ticket.RequesterID),
		Status:           string(ticket.Status),
		Currency:         string(ticket.Currency),
		QuotedPoints:     int64(ticket.QuotedPoints),
		QuotedPriceCents: ticket.QuotedPriceCents,
		TransactionID:    ticket.TransactionID,
		CreatedAt:        ticket.CreatedUnixUTC,
		CompletedAt:      ticket.CompletedUnixUTC,
	}
}

func (server *Server) getTicket(ctx *gin.Context) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	ticket, err := server.desk.GetTicket(ctx.Request.Context(), rental.TicketID(id))
	if err != nil {
		server.renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, makeTicketView(ticket))
}

func (server *Server) listUserTickets(ctx *gin.Context) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	tickets, err := server.desk.TicketsByUser(ctx.Request.Context(), rental.UserID(id))
	if err != nil {
		server.renderError(ctx, err)
		return
	}
	views := make([]ticketView, 0, len(tickets))
	for _, ticket := range tickets {
		views = append(views, makeTicketView(ticket))
	}
	ctx.JSON(http.StatusOK, gin.H{"tickets": views})
}

type quoteRequest struct {
	Points   int64  `json:"points" binding:"required"`
	Currency string `json:"currency" binding:"required"`
}

func (server *Server) quoteTicket(ctx *gin.Context) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	var request quoteRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	err := server.desk.QuotePurchase(ctx.Request.Context(), rental.TicketID(id), rental.Points(request.Points), rental.Currency(request.Currency))
	if err != nil {
		server.renderError(ctx, err)
		return
	}
	ticket, err := server.desk.GetTicket(ctx.Request.Context(), rental.TicketID(id))
	if err != nil {
		server.renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, makeTicketView(ticket))
}

type submitTransactionRequest struct {
	TransactionID string `json:"transaction_id" binding:"required"`
}

func (server *Server) submitTransaction(ctx *gin.Context) {
	id, ok := pathID(ctx)
	if !ok {
		return
	}
	var request submitTransactionRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := server.desk.SubmitTransaction(ctx.Request.Context(), rental.TicketID(id), request.TransactionID); err != nil {
		server.renderError(ctx, err)
		return
	}
	ticket, err := server.desk.GetTicket(ctx.Request.Context(), rental.TicketID(id))
	if err != nil {
		server.renderError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, makeTicketView(ticket))
}
