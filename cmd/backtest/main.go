package main

import (
	"flag"
	"fmt"
	"log"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"grid-bot-go/sim"
	"grid-bot-go/strategy"
)

// 在历史行情磁带上扫描网格参数组合，按累计收益排序输出。
// 磁带格式：每行 "ts ask bid"。
func main() {
	tape := flag.String("tape", "data/ticker.txt", "行情磁带路径")
	maxLines := flag.Int("maxLines", 0, "最多读取的行数，0 表示全部")
	fee := flag.Float64("fee", sim.DefaultSimFee, "撮合费率")
	low := flag.Float64("low", 0, "网格下界")
	up := flag.Float64("up", 0, "网格上界")
	cash := flag.Float64("cash", 1000, "投入的计价货币总额")
	gridFrom := flag.Int("gridFrom", 5, "gridNum 扫描起点")
	gridTo := flag.Int("gridTo", 30, "gridNum 扫描终点")
	greedyList := flag.String("sellGreedyX", "1.0", "sellGreedyX 候选值，逗号分隔")
	priceRound := flag.Int("priceRound", 2, "价格保留小数位")
	qtyRound := flag.Int("qtyRound", 4, "数量保留小数位")
	mode := flag.String("gridMode", string(strategy.GridModeEqualPercent), "equal_percent 或 equal_delta")
	top := flag.Int("top", 10, "输出前若干名")
	flag.Parse()

	greedys, err := parseFloats(*greedyList)
	if err != nil {
		log.Fatalf("解析 sellGreedyX 失败: %v", err)
	}
	zl, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer zl.Sync()

	results, err := sim.Sweep(sim.SweepConfig{
		TapePath:         *tape,
		MaxLines:         *maxLines,
		Fee:              *fee,
		LowBound:         *low,
		UpBound:          *up,
		TotalCash:        *cash,
		GridFrom:         *gridFrom,
		GridTo:           *gridTo,
		SellGreedyXs:     greedys,
		PriceRoundNum:    *priceRound,
		QuantityRoundNum: *qtyRound,
		GridMode:         strategy.GridMode(*mode),
	}, zl)
	if err != nil {
		log.Fatalf("参数扫描失败: %v", err)
	}

	fmt.Printf("%-8s %-12s %-14s %-14s %-12s\n", "gridNum", "sellGreedyX", "gain", "cash", "asset")
	for i, res := range results {
		if i >= *top {
			break
		}
		if res.Err != nil {
			fmt.Printf("%-8d %-12g skipped: %v\n", res.GridNum, res.SellGreedyX, res.Err)
			continue
		}
		fmt.Printf("%-8d %-12g %-14.6f %-14.6f %-12.6f\n",
			res.GridNum, res.SellGreedyX, res.Gain, res.Cash, res.Asset)
	}
}

func parseFloats(csv string) ([]float64, error) {
	var out []float64
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
