package electrum

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// AgentState is the per-peer lifecycle state.
type AgentState int

const (
	StateInit AgentState = iota
	StateConnecting
	StateConnected
	StateHandshaking
	StateSyncing
	StateSynced
	StateClosed
)

func (s AgentState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateSyncing:
		return "SYNCING"
	case StateSynced:
		return "SYNCED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Agent is the per-peer state machine driving transport selection,
// handshake, head sync, steady-state liveness, and subscription-diff
// driven transaction discovery.
//
// The prior New() constructor already performs an analogous informal
// sequence (connect, keep-alive ticker, subscription-resume-on-reconnect
// goroutine, message-dispatch goroutine); Agent formalizes it into an
// explicit FSM.
type Agent struct {
	mu sync.Mutex

	peer   Peer
	config Config

	transportKind TransportKind
	channel       *RpcChannel
	api           *ElectrumApi
	codec         *Codec
	deriver       *AddressDeriver

	blocks BlockStore
	txs    TransactionStore

	events *eventSinks
	logger *logrus.Entry

	state AgentState

	knownReceipts map[string]map[string]Receipt

	subCancel       context.CancelFunc
	blockArrived    chan struct{}
	blockArrivedCap sync.Once

	pingStop  chan struct{}
	closeOnce sync.Once
}

// NewAgent constructs an Agent bound to a single Peer, performs
// deterministic transport selection, dials, and begins the handshake
// asynchronously. The dial completes before NewAgent returns, so the
// returned Agent is already CONNECTED (or HANDSHAKING once the handshake
// goroutine has started).
func NewAgent(peer Peer, cfg Config, blocks BlockStore, txs TransactionStore) (*Agent, error) {
	cfg = cfg.withDefaults()

	kind, port, err := selectTransport(peer, cfg.SSLProxyURL, cfg.TCPProxyURL)
	if err != nil {
		return nil, err
	}

	opts := transportOptions{
		kind:        kind,
		dialTimeout: cfg.HandshakeTimeout,
		reconnect:   true,
	}
	switch kind {
	case TransportWSS:
		opts.wssURL = fmt.Sprintf("wss://%s:%d/%s", peer.Host, port, peer.WSSPath)
	case TransportSSL:
		opts.address = cfg.SSLProxyURL
		opts.tunnelToken = fmt.Sprintf("%s:%s", cfg.Genesis.NetworkName, peer.Host)
	case TransportTCP:
		opts.address = cfg.TCPProxyURL
		opts.tunnelToken = fmt.Sprintf("%s:%s", cfg.Genesis.NetworkName, peer.Host)
	}

	t, err := getTransport(opts)
	if err != nil {
		return nil, err
	}

	network := &chaincfg.MainNetParams
	if cfg.Genesis.NetworkName == "testnet" {
		network = &chaincfg.TestNet3Params
	}

	channel := NewRpcChannel(t, cfg.Logger)
	deriver := NewAddressDeriver(network)
	codec := NewCodec(deriver)
	api := NewElectrumApi(channel, codec, deriver, cfg.Genesis)

	a := &Agent{
		peer:          peer,
		config:        cfg,
		transportKind: kind,
		channel:       channel,
		api:           api,
		codec:         codec,
		deriver:       deriver,
		blocks:        blocks,
		txs:           txs,
		events:        newEventSinks(),
		logger:        cfg.Logger.WithField("peer", peer.Host),
		state:         StateConnecting,
		knownReceipts: make(map[string]map[string]Receipt),
		blockArrived:  make(chan struct{}),
	}

	a.setState(StateConnected)
	go a.runHandshake()

	return a, nil
}

func (a *Agent) setState(s AgentState) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

func (a *Agent) getState() AgentState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// On registers a listener for the given event kind and returns a handle
// that Off deregisters.
func (a *Agent) On(kind EventKind, fn interface{}) uuid.UUID {
	return a.events.on(kind, fn)
}

// Off deregisters a listener previously registered with On.
func (a *Agent) Off(handle uuid.UUID) {
	a.events.off(handle)
}

func (a *Agent) runHandshake() {
	a.setState(StateHandshaking)

	done := make(chan error, 1)
	go func() {
		if _, err := a.api.SetProtocolVersion(a.config.ClientID, Protocol14, Protocol14_2); err != nil {
			done <- err
			return
		}
		features, err := a.api.GetFeatures()
		if err != nil {
			done <- err
			return
		}
		if features.GenesisHash != a.config.Genesis.GenesisHash {
			done <- errWrongGenesis(features.GenesisHash, a.config.Genesis.GenesisHash)
			return
		}
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			a.fail(err)
			return
		}
		a.beginSync()
	case <-time.After(a.config.HandshakeTimeout):
		a.fail(errHandshakeTimeout())
	}
}

func (a *Agent) beginSync() {
	a.setState(StateSyncing)
	a.events.emitSimple(EventSyncing)

	ctx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.subCancel = cancel
	a.mu.Unlock()

	if err := a.api.SubscribeHeaders(ctx, a.onHeader); err != nil {
		a.fail(err)
		return
	}

	go func() {
		select {
		case <-time.After(a.config.BlockTimeout):
			if a.getState() != StateSynced {
				a.fail(errBlockTimeout())
			}
		case <-a.blockArrived:
		}
	}()
}

// onHeader implements the block acceptance algorithm: each incoming
// header must chain onto the cached predecessor or it is dropped.
func (a *Agent) onHeader(h PlainBlockHeader) {
	if h.BlockHeight > 0 {
		prev, ok, err := a.blocks.Get(h.BlockHeight - 1)
		if err != nil {
			a.logger.WithError(err).Warn("block store read failed")
			return
		}
		if !ok {
			fetched, err := a.api.GetBlockHeader(h.BlockHeight - 1)
			if err != nil {
				a.logger.WithError(err).Warn("failed fetching predecessor header")
				return
			}
			if err := a.blocks.Put(fetched); err != nil {
				a.logger.WithError(err).Warn("failed caching predecessor header")
			}
			prev = fetched
		}
		if prev.BlockHash != derefOr(h.PrevHash, "") {
			a.logger.WithFields(logrus.Fields{"height": h.BlockHeight}).Warn("non-consecutive header dropped")
			return
		}
	}

	if err := a.blocks.Put(&h); err != nil {
		a.logger.WithError(err).Warn("failed caching header")
	}
	a.events.emitBlock(BlockEvent{Header: h})

	wasSynced := a.getState() == StateSynced
	if a.getState() == StateSyncing {
		a.setState(StateSynced)
	}
	if !wasSynced {
		a.blockArrivedCap.Do(func() { close(a.blockArrived) })
		a.events.emitSimple(EventSynced)
		a.startPing()
	}
}

func (a *Agent) startPing() {
	a.mu.Lock()
	a.pingStop = make(chan struct{})
	a.mu.Unlock()
	go func() {
		ticker := time.NewTicker(a.config.PingInterval)
		defer ticker.Stop()
		consecutiveTimeouts := 0
		for {
			select {
			case <-ticker.C:
				done := make(chan error, 1)
				go func() { done <- a.api.Ping() }()
				select {
				case err := <-done:
					if err != nil {
						a.logger.WithError(err).Debug("ping failed")
					}
					consecutiveTimeouts = 0
				case <-time.After(a.config.PingTimeout):
					consecutiveTimeouts++
					if consecutiveTimeouts >= 2 {
						a.fail(errPingTimeout())
						return
					}
				}
			case <-a.pingStop:
				return
			}
		}
	}()
}

// onReceiptsNotification implements the subscription diff: the first
// notification for an address is stored as a baseline (no events);
// subsequent notifications are diffed against it, with per-transaction
// errors logged and skipped rather than aborting the batch.
func (a *Agent) onReceiptsNotification(address string, receipts []Receipt) {
	a.mu.Lock()
	baseline, hasBaseline := a.knownReceipts[address]
	a.mu.Unlock()

	if !hasBaseline {
		baseline = make(map[string]Receipt, len(receipts))
		for _, r := range receipts {
			baseline[r.TransactionHash] = r
		}
		a.mu.Lock()
		a.knownReceipts[address] = baseline
		a.mu.Unlock()
		return
	}

	for _, r := range receipts {
		if known, existed := baseline[r.TransactionHash]; existed && known.BlockHeight == r.BlockHeight {
			continue
		}

		var block *PlainBlockHeader
		if r.BlockHeight > 0 {
			b, ok, err := a.blocks.Get(r.BlockHeight)
			if err != nil {
				a.logger.WithError(err).WithField("tx", r.TransactionHash).Warn("block store read failed")
				continue
			}
			if !ok {
				fetched, err := a.api.GetBlockHeader(r.BlockHeight)
				if err != nil {
					a.logger.WithError(err).WithField("tx", r.TransactionHash).Warn("failed fetching block for receipt")
					continue
				}
				_ = a.blocks.Put(fetched)
				b = fetched
			}
			block = b
		}

		stored, existsInStore, err := a.txs.Get(r.TransactionHash)
		if err != nil {
			a.logger.WithError(err).WithField("tx", r.TransactionHash).Warn("tx store read failed")
			continue
		}

		var tx *PlainTransaction
		if !existsInStore {
			fetched, err := a.api.GetTransaction(r.TransactionHash, block)
			if err != nil {
				a.logger.WithError(err).WithField("tx", r.TransactionHash).Warn("failed fetching receipt transaction")
				continue
			}
			_ = a.txs.Put(fetched)
			tx = fetched
		} else {
			tx = stored
			if block != nil {
				if err := a.api.proofTransaction(r.TransactionHash, block); err != nil {
					a.logger.WithError(err).WithField("tx", r.TransactionHash).Warn("merkle re-proof failed")
					continue
				}
			}
		}

		baseline[r.TransactionHash] = r

		if block != nil {
			a.events.emitTransaction(EventTransactionMined, TransactionEvent{Transaction: *tx, Block: block})
		} else {
			a.events.emitTransaction(EventTransactionAdded, TransactionEvent{Transaction: *tx})
		}
	}

	a.mu.Lock()
	a.knownReceipts[address] = baseline
	a.mu.Unlock()
}

func (a *Agent) requireSynced() error {
	if a.getState() != StateSynced {
		return errNotSynced()
	}
	return nil
}

// GetBalance returns confirmed/unconfirmed satoshi balance for address.
func (a *Agent) GetBalance(address string) (*Balance, error) {
	if err := a.requireSynced(); err != nil {
		return nil, err
	}
	return a.api.GetBalance(address)
}

// GetTransactionReceipts returns the history entries for address.
func (a *Agent) GetTransactionReceipts(address string) ([]Receipt, error) {
	if err := a.requireSynced(); err != nil {
		return nil, err
	}
	scriptHash, err := a.deriver.AddressToScriptHash(address)
	if err != nil {
		return nil, err
	}
	return a.api.GetReceipts(scriptHash)
}

// GetTransaction fetches and, if block is non-nil, Merkle-verifies a
// transaction.
func (a *Agent) GetTransaction(hash string, block *PlainBlockHeader) (*PlainTransaction, error) {
	if err := a.requireSynced(); err != nil {
		return nil, err
	}
	return a.api.GetTransaction(hash, block)
}

// GetBlockHeader fetches the header at height.
func (a *Agent) GetBlockHeader(height int32) (*PlainBlockHeader, error) {
	if err := a.requireSynced(); err != nil {
		return nil, err
	}
	return a.api.GetBlockHeader(height)
}

// GetFeeHistogram returns the mempool fee histogram.
func (a *Agent) GetFeeHistogram() ([][2]float64, error) {
	if err := a.requireSynced(); err != nil {
		return nil, err
	}
	return a.api.GetFeeHistogram()
}

// GetMinimumRelayFee returns the server's minimum relay fee.
func (a *Agent) GetMinimumRelayFee() (float64, error) {
	if err := a.requireSynced(); err != nil {
		return 0, err
	}
	return a.api.GetRelayFee()
}

// BroadcastTransaction submits raw to the peer.
func (a *Agent) BroadcastTransaction(raw string) (string, error) {
	if err := a.requireSynced(); err != nil {
		return "", err
	}
	return a.api.BroadcastTransaction(raw)
}

// GetPeers returns the peer's known peer list.
func (a *Agent) GetPeers() ([]Peer, error) {
	if err := a.requireSynced(); err != nil {
		return nil, err
	}
	return a.api.GetPeers()
}

// EstimateFees estimates fees for each confirmation target, substituting
// -1 for any target the peer fails to answer; unlike the other public operations, this one tolerates a
// !synced Agent rather than failing outright.
func (a *Agent) EstimateFees(targets []int) []float64 {
	out := make([]float64, len(targets))
	for i, t := range targets {
		fee, err := a.api.EstimateFee(t)
		if err != nil {
			out[i] = -1
			continue
		}
		out[i] = fee
	}
	return out
}

// Subscribe registers scripthash subscriptions for addresses, driving
// onReceiptsNotification as status-change notifications arrive.
func (a *Agent) Subscribe(addresses []string) error {
	if err := a.requireSynced(); err != nil {
		return err
	}
	ctx := context.Background()
	for _, address := range addresses {
		address := address
		err := a.api.SubscribeReceipts(ctx, address, func(status *string) {
			if status == nil {
				a.onReceiptsNotification(address, nil)
				return
			}
			receipts, err := a.GetTransactionReceipts(address)
			if err != nil {
				a.logger.WithError(err).WithField("address", address).Warn("failed refreshing receipts on status change")
				return
			}
			a.onReceiptsNotification(address, receipts)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// fail transitions the Agent to CLOSED and emits CLOSE(reason) exactly
// once.
func (a *Agent) fail(reason error) {
	a.closeOnce.Do(func() {
		a.setState(StateClosed)
		a.mu.Lock()
		if a.subCancel != nil {
			a.subCancel()
		}
		if a.pingStop != nil {
			close(a.pingStop)
		}
		a.mu.Unlock()
		a.channel.Close(reason.Error())
		a.events.emitClose(CloseEvent{Reason: reason})
	})
}

// Close is the idempotent public close operation.
func (a *Agent) Close(reason string) {
	if reason == "" {
		reason = "closed by caller"
	}
	a.fail(newAgentError(KindConnectionLost, reason, nil))
}
