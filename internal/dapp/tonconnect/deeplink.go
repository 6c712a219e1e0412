package tonconnect

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"stellawallet.io/stella-wallet/internal/dapp"
	"stellawallet.io/stella-wallet/pkg/log"
)

const deepLinkScheme = "tc://"

const supportedDeepLinkVersion = "2"

func (a *Adapter) CanHandleDeepLink(link string) bool {
	if strings.HasPrefix(link, deepLinkScheme) {
		return true
	}
	universal := a.cfg.Bridge.UniversalURL
	return universal != "" && strings.HasPrefix(link, universal)
}

// HandleDeepLink processes a pairing link: it generates a fresh channel key
// pair, runs the regular connect flow, and pushes the outcome back through
// the relay. The returned hint tells the UI where to send the user after the
// flow settles.
func (a *Adapter) HandleDeepLink(ctx context.Context, link string, fromInAppBrowser bool, requestID int64) (string, error) {
	params, err := deepLinkParams(link)
	if err != nil {
		a.cfg.OnUpdate(dapp.UpdateShowError{Display: dapp.DisplayInvalidLink})
		return "", dapp.BadRequest("Malformed pairing link")
	}
	ret := params.Get("ret")
	if ret == "" {
		if fromInAppBrowser {
			ret = "none"
		} else {
			ret = "back"
		}
	}
	appClientID := params.Get("id")
	rawConnect := params.Get("r")
	// A link without a connect payload only refreshes the return strategy of
	// an already paired dapp.
	if rawConnect == "" {
		if appClientID != "" {
			a.rememberReturnHintForApp(ctx, appClientID, ret)
		}
		return ret, nil
	}
	if params.Get("v") != supportedDeepLinkVersion {
		a.cfg.OnUpdate(dapp.UpdateShowError{Display: dapp.DisplayInvalidLink})
		return ret, dapp.BadRequest("Unsupported pairing link version")
	}
	if _, err := peerKey(appClientID); err != nil {
		a.cfg.OnUpdate(dapp.UpdateShowError{Display: dapp.DisplayInvalidLink})
		return ret, dapp.BadRequest("Malformed app client id")
	}
	if !a.cfg.Bridge.SSEEnabled {
		return ret, dapp.MethodNotSupported("remote pairing")
	}

	crypto, err := newSessionCrypto()
	if err != nil {
		return ret, dapp.Unexpected(err)
	}
	remote := &dapp.RemoteOptions{
		ClientID:    crypto.clientID(),
		AppClientID: appClientID,
		SecretKey:   crypto.secretKeyHex(),
	}
	request := &dapp.Request{Remote: remote}
	result := a.Connect(ctx, request, &dapp.ConnectionRequest{
		ProtocolType: dapp.ProtocolTonConnect,
		Transport:    dapp.TransportSSE,
		Payload:      json.RawMessage(rawConnect),
	}, requestID)

	var event interface{}
	if result.Success {
		event = result.Session.Event
	} else {
		event = newConnectErrorEvent(requestID, result.Error)
	}
	if err := a.bridge.Send(ctx, crypto, appClientID, event); err != nil {
		log.Errorf("send pairing outcome:%v", err)
	}
	if result.Success {
		a.rememberReturnHint(crypto.clientID(), ret)
		return ret, nil
	}
	return ret, result.Error
}

// rememberReturnHintForApp resolves the wallet-side client id of an existing
// channel by the dapp's public key.
func (a *Adapter) rememberReturnHintForApp(ctx context.Context, appClientID, ret string) {
	all, err := a.cfg.Store.ListAll(ctx)
	if err != nil {
		log.Errorf("list connections for return hint:%v", err)
		return
	}
	for _, conns := range all {
		for _, conn := range conns {
			if conn.Remote != nil && conn.Remote.AppClientID == appClientID {
				a.rememberReturnHint(conn.Remote.ClientID, ret)
				return
			}
		}
	}
}

func deepLinkParams(link string) (url.Values, error) {
	if strings.HasPrefix(link, deepLinkScheme) {
		link = "https://" + strings.TrimPrefix(link, deepLinkScheme)
	}
	u, err := url.Parse(link)
	if err != nil {
		return nil, err
	}
	return u.Query(), nil
}
