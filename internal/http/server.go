package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"stellawallet.io/stella-wallet/internal/cache"
	"stellawallet.io/stella-wallet/internal/chains"
	"stellawallet.io/stella-wallet/internal/config"
	"stellawallet.io/stella-wallet/internal/dapp"
	"stellawallet.io/stella-wallet/internal/dapp/walletconnect"
	"stellawallet.io/stella-wallet/pkg/log"
	"stellawallet.io/stella-wallet/pkg/log/middleware"
)

const originRatePerSecond = 10

// Server exposes the embedded bridge surface: the unified protocol methods,
// deep-link handling, session listing, and the approval callbacks the UI
// resolves pending operations with.
type Server struct {
	manager  *dapp.Manager
	store    dapp.Store
	promises *dapp.Promises
}

func NewServer(manager *dapp.Manager, store dapp.Store, promises *dapp.Promises) *Server {
	return &Server{manager: manager, store: store, promises: promises}
}

func (s *Server) Run() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(middleware.RecoveredHTTPLog())

	router.POST("/bridge/:protocol/connect", s.connect)
	router.POST("/bridge/:protocol/reconnect", s.reconnect)
	router.POST("/bridge/:protocol/disconnect", s.disconnect)
	router.POST("/bridge/:protocol/sendTransaction", s.sendTransaction)
	router.POST("/bridge/:protocol/signData", s.signData)
	router.POST("/deeplink", s.deepLink)
	router.GET("/sessions/:accountId", s.listSessions)
	router.DELETE("/sessions/:accountId", s.wipeSessions)
	router.POST("/confirm/:promiseId", s.confirm)
	router.POST("/reject/:promiseId", s.reject)
	router.GET("/pair/qr", pairingQR)

	addr := config.Global.HTTPListenAddr
	if addr == "" {
		addr = ":8080"
	}
	if err := router.Run(addr); err != nil {
		log.Fatal(err)
	}
}

type bridgeEnvelope struct {
	Request    dapp.Request           `json:"request"`
	Connection dapp.ConnectionRequest `json:"connection"`
	RequestID  int64                  `json:"requestId"`
}

func (s *Server) adapterFor(ctx *gin.Context) (dapp.Adapter, *bridgeEnvelope, bool) {
	var envelope bridgeEnvelope
	if err := ctx.ShouldBindJSON(&envelope); err != nil {
		ctx.JSONP(http.StatusOK, dapp.FailResult(dapp.BadRequest("Malformed request body")))
		return nil, nil, false
	}
	if !cache.AllowOrigin(ctx, envelope.Request.URL, originRatePerSecond) {
		ctx.JSONP(http.StatusOK, dapp.FailResult(dapp.BadRequest("Too many requests")))
		return nil, nil, false
	}
	adapter := s.manager.Get(dapp.ProtocolType(ctx.Param("protocol")))
	if adapter == nil {
		ctx.JSONP(http.StatusOK, dapp.FailResult(dapp.MethodNotSupported(ctx.Param("protocol"))))
		return nil, nil, false
	}
	return adapter, &envelope, true
}

func (s *Server) connect(ctx *gin.Context) {
	adapter, envelope, ok := s.adapterFor(ctx)
	if !ok {
		return
	}
	result := adapter.Connect(ctx, &envelope.Request, &envelope.Connection, envelope.RequestID)
	ctx.JSONP(http.StatusOK, result)
}

func (s *Server) reconnect(ctx *gin.Context) {
	adapter, envelope, ok := s.adapterFor(ctx)
	if !ok {
		return
	}
	result := adapter.Reconnect(ctx, &envelope.Request, envelope.RequestID)
	ctx.JSONP(http.StatusOK, result)
}

func (s *Server) disconnect(ctx *gin.Context) {
	adapter, envelope, ok := s.adapterFor(ctx)
	if !ok {
		return
	}
	result := adapter.Disconnect(ctx, &envelope.Request, &dapp.DisconnectRequest{})
	ctx.JSONP(http.StatusOK, result)
}

func (s *Server) sendTransaction(ctx *gin.Context) {
	adapter, envelope, ok := s.adapterFor(ctx)
	if !ok {
		return
	}
	result := adapter.SendTransaction(ctx, &envelope.Request, &dapp.TransactionRequest{
		Chain:   firstChain(envelope.Connection.RequestedChains),
		Payload: envelope.Connection.Payload,
	})
	ctx.JSONP(http.StatusOK, result)
}

func (s *Server) signData(ctx *gin.Context) {
	adapter, envelope, ok := s.adapterFor(ctx)
	if !ok {
		return
	}
	result := adapter.SignData(ctx, &envelope.Request, &dapp.SignDataRequest{
		Chain:   firstChain(envelope.Connection.RequestedChains),
		Payload: envelope.Connection.Payload,
	})
	ctx.JSONP(http.StatusOK, result)
}

func (s *Server) deepLink(ctx *gin.Context) {
	var body struct {
		URL              string `json:"url"`
		FromInAppBrowser bool   `json:"fromInAppBrowser"`
		RequestID        int64  `json:"requestId"`
	}
	if err := ctx.ShouldBindJSON(&body); err != nil || body.URL == "" {
		ctx.JSONP(http.StatusOK, dapp.FailResult(dapp.BadRequest("Missing url")))
		return
	}
	// Deep-link flows block on user approval; detach from the request.
	go func() {
		_, handled, err := s.manager.HandleDeepLink(context.Background(), body.URL, body.FromInAppBrowser, body.RequestID)
		if err != nil {
			log.Debugf("deep link %v:%v", body.URL, err)
		}
		if !handled {
			log.Debugf("deep link %v not claimed by any protocol", body.URL)
		}
	}()
	ctx.JSONP(http.StatusOK, map[string]interface{}{"accepted": true})
}

func (s *Server) listSessions(ctx *gin.Context) {
	conns, err := s.store.List(ctx, ctx.Param("accountId"))
	if err != nil {
		ctx.JSONP(http.StatusOK, dapp.FailResult(dapp.Unexpected(err)))
		return
	}
	ctx.JSONP(http.StatusOK, map[string]interface{}{"success": true, "sessions": conns})
}

func (s *Server) wipeSessions(ctx *gin.Context) {
	accountID := ctx.Param("accountId")
	conns, err := s.store.List(ctx, accountID)
	if err != nil {
		ctx.JSONP(http.StatusOK, dapp.FailResult(dapp.Unexpected(err)))
		return
	}
	for _, conn := range conns {
		s.manager.CloseRemoteConnection(ctx, accountID, conn)
	}
	if err := s.store.DeleteAccount(ctx, accountID); err != nil {
		ctx.JSONP(http.StatusOK, dapp.FailResult(dapp.Unexpected(err)))
		return
	}
	ctx.JSONP(http.StatusOK, dapp.OkResult(struct{}{}))
}

type confirmBody struct {
	Connect      *dapp.ConnectApproval  `json:"connect,omitempty"`
	Transactions []string               `json:"transactions,omitempty"`
	SignData     *dapp.SignDataApproval `json:"signData,omitempty"`
	Signature    string                 `json:"signature,omitempty"`
}

func toSignedTransactions(payloads []string) []chains.SignedTransaction {
	signed := make([]chains.SignedTransaction, 0, len(payloads))
	for _, payload := range payloads {
		signed = append(signed, chains.SignedTransaction{Payload: payload})
	}
	return signed
}

func (s *Server) confirm(ctx *gin.Context) {
	var body confirmBody
	if err := ctx.ShouldBindJSON(&body); err != nil {
		ctx.JSONP(http.StatusOK, dapp.FailResult(dapp.BadRequest("Malformed request body")))
		return
	}
	var value interface{}
	switch {
	case body.Connect != nil:
		value = body.Connect
	case len(body.Transactions) > 0:
		value = toSignedTransactions(body.Transactions)
	case body.SignData != nil:
		value = body.SignData
	default:
		value = body.Signature
	}
	settled := s.promises.Resolve(ctx.Param("promiseId"), value)
	ctx.JSONP(http.StatusOK, map[string]interface{}{"settled": settled})
}

func (s *Server) reject(ctx *gin.Context) {
	settled := s.promises.Reject(ctx.Param("promiseId"), dapp.UserRejected())
	ctx.JSONP(http.StatusOK, map[string]interface{}{"settled": settled})
}

func pairingQR(ctx *gin.Context) {
	uri := ctx.Query("uri")
	if uri == "" {
		ctx.JSONP(http.StatusOK, dapp.FailResult(dapp.BadRequest("Missing uri")))
		return
	}
	png, err := walletconnect.PairingQR(uri)
	if err != nil {
		ctx.JSONP(http.StatusOK, dapp.FailResult(dapp.Unexpected(err)))
		return
	}
	ctx.Data(http.StatusOK, "image/png", png)
}

func firstChain(requested []dapp.SessionChain) dapp.Chain {
	if len(requested) > 0 {
		return requested[0].Chain
	}
	return dapp.ChainTon
}
