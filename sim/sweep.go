package sim

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"grid-bot-go/ledger"
	"grid-bot-go/strategy"
)

// SweepConfig 参数扫描的搜索空间：gridNum 闭区间 × sellGreedyX 列表，
// 其余参数各组合共用。
type SweepConfig struct {
	TapePath string
	MaxLines int
	Fee      float64

	LowBound  float64
	UpBound   float64
	TotalCash float64

	GridFrom     int
	GridTo       int
	SellGreedyXs []float64

	PriceRoundNum    int
	QuantityRoundNum int
	GridMode         strategy.GridMode
}

// SweepResult 单个参数组合在整条磁带上的回放结果。
// Err 非空表示组合本身不可行（例如档距过不了费率护栏）。
type SweepResult struct {
	GridNum     int
	SellGreedyX float64
	Gain        float64
	Cash        float64
	Asset       float64
	Err         error
}

// Sweep 对每个组合用独立的回放撮合器和内存账本跑完整条磁带，
// 结果按累计收益降序。同一条磁带只解析一次。
func Sweep(cfg SweepConfig, log *zap.Logger) ([]SweepResult, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.GridFrom < 1 || cfg.GridTo < cfg.GridFrom {
		return nil, fmt.Errorf("grid range [%d, %d] is invalid", cfg.GridFrom, cfg.GridTo)
	}
	if len(cfg.SellGreedyXs) == 0 {
		cfg.SellGreedyXs = []float64{1.0}
	}
	master := NewReplayGateway(cfg.Fee)
	if err := master.LoadTape(cfg.TapePath, cfg.MaxLines); err != nil {
		return nil, err
	}
	log.Info("tape loaded", zap.String("path", cfg.TapePath), zap.Int("ticks", master.Len()))

	var results []SweepResult
	for gridNum := cfg.GridFrom; gridNum <= cfg.GridTo; gridNum++ {
		for _, greedy := range cfg.SellGreedyXs {
			res := runCombo(cfg, master, gridNum, greedy)
			if res.Err != nil {
				log.Warn("combo skipped",
					zap.Int("gridNum", gridNum),
					zap.Float64("sellGreedyX", greedy),
					zap.Error(res.Err))
			} else {
				log.Info("combo done",
					zap.Int("gridNum", gridNum),
					zap.Float64("sellGreedyX", greedy),
					zap.Float64("gain", res.Gain))
			}
			results = append(results, res)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if (results[i].Err == nil) != (results[j].Err == nil) {
			return results[i].Err == nil
		}
		return results[i].Gain > results[j].Gain
	})
	return results, nil
}

func runCombo(cfg SweepConfig, master *ReplayGateway, gridNum int, greedy float64) SweepResult {
	res := SweepResult{GridNum: gridNum, SellGreedyX: greedy}
	gw := master.Fork()
	store := ledger.NewMemStore()
	runner, err := strategy.NewRunner(gw, store, strategy.Params{
		StrategyID:       fmt.Sprintf("sweep-g%d-x%g", gridNum, greedy),
		LowBound:         cfg.LowBound,
		UpBound:          cfg.UpBound,
		TotalCash:        cfg.TotalCash,
		GridNum:          gridNum,
		TargetSymbol:     "SIM",
		BaseSymbol:       "USDT",
		PriceRoundNum:    cfg.PriceRoundNum,
		QuantityRoundNum: cfg.QuantityRoundNum,
		SellGreedyX:      greedy,
		GridMode:         cfg.GridMode,
	}, nil)
	if err != nil {
		res.Err = err
		return res
	}
	runner.SetRetryBackoff(0)
	ctx := context.Background()
	for gw.Step() {
		if err := runner.Tick(ctx); err != nil {
			res.Err = fmt.Errorf("tick: %w", err)
			return res
		}
	}
	res.Gain = runner.Gain()
	res.Cash = gw.Cash()
	res.Asset = gw.Asset()
	return res
}
