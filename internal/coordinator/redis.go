// Package coordinator implementa coordenação distribuída via Redis
// para o limite de leases compartilhado entre múltiplos processos.
//
// Fornece:
//   - Admissão/liberação atômica de leases usando scripts Lua
//   - Rastreamento de leases por instância para auditabilidade
//   - Modo fallback quando o Redis está indisponível (limites locais)
//   - Notificações Pub/Sub para acordar admissões em espera entre instâncias
package coordinator

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/joao-brasil/sqlease/internal/config"
	"github.com/joao-brasil/sqlease/internal/metrics"
	"github.com/joao-brasil/sqlease/pkg/dberr"
)

//go:embed lua/acquire.lua
var acquireLuaScript string

//go:embed lua/release.lua
var releaseLuaScript string

// ── Padrões de Chaves Redis ──────────────────────────────────────────────
const (
	keyPoolCount       = "sqlease:pool:%s:count"         // contagem global de leases por pool
	keyPoolMax         = "sqlease:pool:%s:max"           // máximo de leases por pool
	keyInstanceLeases  = "sqlease:instance:%s:leases"    // hash: pool → contagem local
	keyInstanceHolders = "sqlease:instance:%s:holders"   // conjunto de holders admitidos
	keyInstanceHB      = "sqlease:instance:%s:heartbeat" // chave de heartbeat com TTL
	keyInstanceList    = "sqlease:instances"             // conjunto de IDs de instâncias ativas
	channelRelease     = "sqlease:release:%s"            // canal Pub/Sub por pool
)

// RedisCoordinator gerencia limites distribuídos de leases via Redis.
type RedisCoordinator struct {
	client     redis.UniversalClient
	cfg        config.CoordinatorConfig
	instanceID string
	logger     *zap.Logger

	// Hashes SHA dos scripts Lua (carregados uma vez na inicialização).
	scriptMu   sync.RWMutex
	acquireSHA string
	releaseSHA string

	// limites registrados por pool.
	limitMu sync.RWMutex
	limits  map[string]int

	// fallback rastreia se o Redis está indisponível e estamos em modo local.
	fallbackMode atomic.Bool

	// fallbackCounts rastreia contagens locais de leases por pool em modo fallback.
	fallbackMu      sync.Mutex
	fallbackCounts  map[string]int
	fallbackHolders map[string]string // holder → pool

	// subscribers mantém as assinaturas Pub/Sub abertas.
	subMu       sync.Mutex
	subscribers map[*redis.PubSub]struct{}

	// ciclo de vida
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New cria e inicializa o coordenador distribuído.
func New(ctx context.Context, cfg config.CoordinatorConfig, logger *zap.Logger) (*RedisCoordinator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	rc := &RedisCoordinator{
		client:          client,
		cfg:             cfg,
		instanceID:      cfg.InstanceID,
		logger:          logger.Named("coordinator").With(zap.String("instance", cfg.InstanceID)),
		limits:          make(map[string]int),
		fallbackCounts:  make(map[string]int),
		fallbackHolders: make(map[string]string),
		subscribers:     make(map[*redis.PubSub]struct{}),
		stopCh:          make(chan struct{}),
	}

	// Testar conectividade com o Redis.
	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		metrics.RedisOperations.WithLabelValues("ping", "error").Inc()
		if cfg.Fallback.Enabled {
			rc.logger.Warn("redis unavailable, starting in fallback mode", zap.Error(err))
			rc.fallbackMode.Store(true)
			metrics.CoordinatorFallback.Set(1)
			return rc, nil
		}
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	metrics.RedisOperations.WithLabelValues("ping", "ok").Inc()
	metrics.CoordinatorFallback.Set(0)
	rc.logger.Info("redis connected", zap.String("addr", cfg.Addr))

	// Carregar scripts Lua.
	if err := rc.loadScripts(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("loading lua scripts: %w", err)
	}

	// Registrar esta instância.
	if err := client.SAdd(ctx, keyInstanceList, rc.instanceID).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("registering instance: %w", err)
	}

	return rc, nil
}

// loadScripts carrega os scripts Lua no Redis e armazena em cache seus hashes SHA.
func (rc *RedisCoordinator) loadScripts(ctx context.Context) error {
	acquire, err := rc.client.ScriptLoad(ctx, acquireLuaScript).Result()
	if err != nil {
		return fmt.Errorf("loading acquire.lua: %w", err)
	}
	release, err := rc.client.ScriptLoad(ctx, releaseLuaScript).Result()
	if err != nil {
		return fmt.Errorf("loading release.lua: %w", err)
	}

	rc.scriptMu.Lock()
	rc.acquireSHA, rc.releaseSHA = acquire, release
	rc.scriptMu.Unlock()

	rc.logger.Debug("lua scripts loaded",
		zap.String("acquire", acquire[:8]),
		zap.String("release", release[:8]))
	return nil
}

// Register define o máximo global de leases de um pool; 0 significa sem limite.
func (rc *RedisCoordinator) Register(ctx context.Context, pool string, maxLeases int) error {
	rc.limitMu.Lock()
	rc.limits[pool] = maxLeases
	rc.limitMu.Unlock()

	if rc.fallbackMode.Load() {
		return nil
	}

	pipe := rc.client.Pipeline()
	pipe.Set(ctx, fmt.Sprintf(keyPoolMax, pool), maxLeases, 0)
	// Inicializar chave de contagem se não existir.
	pipe.SetNX(ctx, fmt.Sprintf(keyPoolCount, pool), 0, 0)
	pipe.HSetNX(ctx, fmt.Sprintf(keyInstanceLeases, rc.instanceID), pool, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.RedisOperations.WithLabelValues("register", "error").Inc()
		return fmt.Errorf("registering pool %s: %w", pool, err)
	}
	metrics.RedisOperations.WithLabelValues("register", "ok").Inc()
	rc.logger.Info("pool registered", zap.String("pool", pool), zap.Int("max_leases", maxLeases))
	return nil
}

// ── Admit / Leave ───────────────────────────────────────────────────────

// Admit incrementa atomicamente a contagem global de leases de um pool.
// Retorna nil se o holder foi admitido, um erro PoolExhausted na capacidade
// máxima, ou o erro do Redis quando o fallback está desabilitado.
func (rc *RedisCoordinator) Admit(ctx context.Context, pool, holder string) error {
	if rc.fallbackMode.Load() {
		return rc.admitFallback(pool, holder)
	}

	result, err := rc.eval(ctx, rc.sha(true), acquireLuaScript,
		[]string{
			fmt.Sprintf(keyPoolCount, pool),
			fmt.Sprintf(keyPoolMax, pool),
			fmt.Sprintf(keyInstanceLeases, rc.instanceID),
			fmt.Sprintf(keyInstanceHolders, rc.instanceID),
		},
		pool, rc.instanceID, holder,
	)
	if err != nil {
		metrics.RedisOperations.WithLabelValues("admit", "error").Inc()
		// Se o Redis falhar, tentar fallback.
		if rc.cfg.Fallback.Enabled {
			rc.logger.Warn("redis admit failed, falling back to local limits", zap.Error(err))
			rc.enterFallback()
			return rc.admitFallback(pool, holder)
		}
		return fmt.Errorf("redis admit: %w", err)
	}

	switch result {
	case -1:
		metrics.RedisOperations.WithLabelValues("admit", "rejected").Inc()
		return dberr.New(dberr.KindPoolExhausted, "coordinator.admit", "pool %s at global capacity", pool)
	case -2:
		metrics.RedisOperations.WithLabelValues("admit", "error").Inc()
		return fmt.Errorf("pool %s max not configured in Redis", pool)
	}
	metrics.RedisOperations.WithLabelValues("admit", "ok").Inc()
	return nil
}

// Leave decrementa atomicamente a contagem global de leases de um pool
// e publica uma notificação para instâncias em espera. Um holder não
// admitido é ignorado.
func (rc *RedisCoordinator) Leave(ctx context.Context, pool, holder string) error {
	if rc.fallbackMode.Load() {
		rc.leaveFallback(holder)
		return nil
	}

	_, err := rc.eval(ctx, rc.sha(false), releaseLuaScript,
		[]string{
			fmt.Sprintf(keyPoolCount, pool),
			fmt.Sprintf(keyInstanceLeases, rc.instanceID),
			fmt.Sprintf(keyInstanceHolders, rc.instanceID),
		},
		pool, fmt.Sprintf(channelRelease, pool), holder,
	)
	if err != nil {
		metrics.RedisOperations.WithLabelValues("leave", "error").Inc()
		if rc.cfg.Fallback.Enabled {
			rc.enterFallback()
			rc.leaveFallback(holder)
			return nil
		}
		return fmt.Errorf("redis leave: %w", err)
	}

	metrics.RedisOperations.WithLabelValues("leave", "ok").Inc()
	return nil
}

func (rc *RedisCoordinator) sha(acquire bool) string {
	rc.scriptMu.RLock()
	defer rc.scriptMu.RUnlock()
	if acquire {
		return rc.acquireSHA
	}
	return rc.releaseSHA
}

// eval executa o script pelo SHA, recarregando-o uma vez se o Redis o perdeu.
func (rc *RedisCoordinator) eval(ctx context.Context, sha, script string, keys []string, args ...any) (int64, error) {
	n, err := rc.client.EvalSha(ctx, sha, keys, args...).Int64()
	if err != nil && redis.HasErrorPrefix(err, "NOSCRIPT") {
		if err := rc.loadScripts(ctx); err != nil {
			return 0, err
		}
		return rc.client.Eval(ctx, script, keys, args...).Int64()
	}
	return n, err
}

// ── Pub/Sub para Notificações Entre Instâncias ─────────────────────────

// Subscribe cria uma assinatura Pub/Sub para notificações de liberação de um pool.
// Retorna um channel que recebe o nome do pool sempre que um lease é liberado
// por qualquer instância.
func (rc *RedisCoordinator) Subscribe(ctx context.Context, pool string) (<-chan string, error) {
	if rc.fallbackMode.Load() {
		// Em modo fallback, retornar um channel fechado (sem coordenação entre instâncias).
		ch := make(chan string)
		close(ch)
		return ch, nil
	}

	sub := rc.client.Subscribe(ctx, fmt.Sprintf(channelRelease, pool))
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribing to %s: %w", pool, err)
	}

	rc.subMu.Lock()
	if rc.subscribers == nil {
		rc.subMu.Unlock()
		sub.Close()
		return nil, fmt.Errorf("coordinator closed")
	}
	rc.subscribers[sub] = struct{}{}
	rc.subMu.Unlock()

	notifyCh := make(chan string, 16)

	rc.wg.Add(1)
	go func() {
		defer rc.wg.Done()
		defer close(notifyCh)
		defer func() {
			rc.subMu.Lock()
			if rc.subscribers != nil {
				delete(rc.subscribers, sub)
				sub.Close()
			}
			rc.subMu.Unlock()
		}()

		ch := sub.Channel()
		for {
			select {
			case <-rc.stopCh:
				return
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case notifyCh <- msg.Payload:
				default:
					// Descartar se o consumidor estiver lento.
				}
			}
		}
	}()

	return notifyCh, nil
}

// ── Modo Fallback ───────────────────────────────────────────────────────

func (rc *RedisCoordinator) enterFallback() {
	if rc.fallbackMode.CompareAndSwap(false, true) {
		rc.logger.Warn("entering fallback mode (local limits)")
		metrics.CoordinatorFallback.Set(1)
		metrics.ConnectionErrors.WithLabelValues("coordinator", "fallback_entered").Inc()
	}
}

// ExitFallback tenta reconectar ao Redis e sair do modo fallback.
func (rc *RedisCoordinator) ExitFallback(ctx context.Context) error {
	if err := rc.client.Ping(ctx).Err(); err != nil {
		return err
	}

	// Recarregar scripts (podem ter sido removidos por flush).
	if err := rc.loadScripts(ctx); err != nil {
		return err
	}

	rc.limitMu.RLock()
	limits := make(map[string]int, len(rc.limits))
	for pool, n := range rc.limits {
		limits[pool] = n
	}
	rc.limitMu.RUnlock()

	pipe := rc.client.Pipeline()
	pipe.SAdd(ctx, keyInstanceList, rc.instanceID)
	for pool, n := range limits {
		pipe.Set(ctx, fmt.Sprintf(keyPoolMax, pool), n, 0)
		pipe.SetNX(ctx, fmt.Sprintf(keyPoolCount, pool), 0, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("re-registering pools: %w", err)
	}

	// Reconciliar: sincronizar contagens locais com o Redis.
	if err := rc.reconcileCounts(ctx); err != nil {
		rc.logger.Warn("reconciliation failed", zap.Error(err))
		// Não sair do fallback se a reconciliação falhar.
		return err
	}

	rc.fallbackMode.Store(false)
	metrics.CoordinatorFallback.Set(0)
	rc.logger.Info("exited fallback mode, redis reconnected")
	metrics.ConnectionErrors.WithLabelValues("coordinator", "fallback_exited").Inc()
	return nil
}

// IsFallback retorna true se o coordenador estiver em modo fallback.
func (rc *RedisCoordinator) IsFallback() bool {
	return rc.fallbackMode.Load()
}

func (rc *RedisCoordinator) admitFallback(pool, holder string) error {
	rc.fallbackMu.Lock()
	defer rc.fallbackMu.Unlock()

	if _, ok := rc.fallbackHolders[holder]; ok {
		return nil
	}

	localMax := rc.localLimit(pool)
	current := rc.fallbackCounts[pool]

	if localMax > 0 && current >= localMax {
		return dberr.New(dberr.KindPoolExhausted, "coordinator.admit",
			"pool %s at local fallback limit (%d/%d)", pool, current, localMax)
	}

	rc.fallbackCounts[pool] = current + 1
	rc.fallbackHolders[holder] = pool
	return nil
}

func (rc *RedisCoordinator) leaveFallback(holder string) {
	rc.fallbackMu.Lock()
	defer rc.fallbackMu.Unlock()

	pool, ok := rc.fallbackHolders[holder]
	if !ok {
		return
	}
	delete(rc.fallbackHolders, holder)
	if rc.fallbackCounts[pool] > 0 {
		rc.fallbackCounts[pool]--
	}
}

// localLimit calcula o limite de leases por instância para o modo fallback.
func (rc *RedisCoordinator) localLimit(pool string) int {
	rc.limitMu.RLock()
	global, ok := rc.limits[pool]
	rc.limitMu.RUnlock()
	if !ok {
		return 1
	}
	if global == 0 {
		return 0
	}

	divisor := rc.cfg.Fallback.LocalLimitDivisor
	if divisor <= 0 {
		divisor = 3
	}
	limit := global / divisor
	if limit < 1 {
		limit = 1
	}
	return limit
}

// reconcileCounts sincroniza os holders admitidos em fallback com o Redis após reconexão.
func (rc *RedisCoordinator) reconcileCounts(ctx context.Context) error {
	rc.fallbackMu.Lock()
	holders := make(map[string]string, len(rc.fallbackHolders))
	for h, p := range rc.fallbackHolders {
		holders[h] = p
	}
	counts := make(map[string]int, len(rc.fallbackCounts))
	for p, n := range rc.fallbackCounts {
		counts[p] = n
	}
	rc.fallbackHolders = make(map[string]string)
	rc.fallbackCounts = make(map[string]int)
	rc.fallbackMu.Unlock()

	pipe := rc.client.Pipeline()
	instLeases := fmt.Sprintf(keyInstanceLeases, rc.instanceID)
	instHolders := fmt.Sprintf(keyInstanceHolders, rc.instanceID)
	for pool, n := range counts {
		pipe.HIncrBy(ctx, instLeases, pool, int64(n))
		pipe.IncrBy(ctx, fmt.Sprintf(keyPoolCount, pool), int64(n))
	}
	for holder := range holders {
		pipe.SAdd(ctx, instHolders, holder)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("reconcile pipeline: %w", err)
	}

	rc.logger.Info("reconciled fallback leases", zap.Int("holders", len(holders)))
	return nil
}

// ── Métodos de Consulta ─────────────────────────────────────────────────

// GlobalCount retorna a contagem global atual de leases de um pool.
func (rc *RedisCoordinator) GlobalCount(ctx context.Context, pool string) (int, error) {
	if rc.fallbackMode.Load() {
		rc.fallbackMu.Lock()
		defer rc.fallbackMu.Unlock()
		return rc.fallbackCounts[pool], nil
	}

	val, err := rc.client.Get(ctx, fmt.Sprintf(keyPoolCount, pool)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}

// InstanceCounts retorna as contagens de leases por pool de uma instância específica.
func (rc *RedisCoordinator) InstanceCounts(ctx context.Context, instanceID string) (map[string]int, error) {
	result, err := rc.client.HGetAll(ctx, fmt.Sprintf(keyInstanceLeases, instanceID)).Result()
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(result))
	for k, v := range result {
		n, err := strconv.Atoi(v)
		if err != nil {
			continue
		}
		counts[k] = n
	}
	return counts, nil
}

// ActiveInstances retorna o conjunto de IDs de instâncias ativas.
func (rc *RedisCoordinator) ActiveInstances(ctx context.Context) ([]string, error) {
	return rc.client.SMembers(ctx, keyInstanceList).Result()
}

// Ping verifica a conectividade com o Redis.
func (rc *RedisCoordinator) Ping(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

// ── Ciclo de Vida ───────────────────────────────────────────────────────

// Close encerra o coordenador, desregistra a instância e fecha a conexão Redis.
func (rc *RedisCoordinator) Close(ctx context.Context) error {
	close(rc.stopCh)

	// Fechar todas as assinaturas Pub/Sub.
	rc.subMu.Lock()
	for sub := range rc.subscribers {
		sub.Close()
	}
	rc.subscribers = nil
	rc.subMu.Unlock()

	rc.wg.Wait()

	// Desregistrar instância, devolvendo os leases ainda contados a ela.
	if !rc.fallbackMode.Load() {
		cleanupInstance(ctx, rc.client, rc.instanceID, rc.logger)
	}

	rc.logger.Info("instance unregistered")
	return rc.client.Close()
}

// InstanceID retorna o ID de instância deste coordenador.
func (rc *RedisCoordinator) InstanceID() string {
	return rc.instanceID
}
