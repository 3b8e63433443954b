package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/buckhoff/stabilityfund/services/stabilityd/config"
)

type auditReport struct {
	Fees struct {
		BaseFeeBps          uint64 `json:"baseFeeBps"`
		MaxFeeBps           uint64 `json:"maxFeeBps"`
		MinFeeBps           uint64 `json:"minFeeBps"`
		DropThresholdBps    uint64 `json:"dropThresholdBps"`
		MaxDropThresholdBps uint64 `json:"maxDropThresholdBps"`
	} `json:"fees"`
	Guard struct {
		MaxSingleWei        string `json:"maxSingleWei"`
		MaxDailyWei         string `json:"maxDailyWei"`
		MinIntervalSeconds  int64  `json:"minIntervalSeconds"`
		LargeFirstActionWei string `json:"largeFirstActionWei"`
	} `json:"guard"`
	Breaker struct {
		MinReserveRatioBps       uint64 `json:"minReserveRatioBps"`
		ReserveRatioTargetBps    uint64 `json:"reserveRatioTargetBps"`
		CriticalThresholdPercent uint64 `json:"criticalThresholdPercent"`
		RequiredApprovals        int    `json:"requiredApprovals"`
	} `json:"breaker"`
	Oracle struct {
		ObservationIntervalSeconds int64  `json:"observationIntervalSeconds"`
		TwapWindowSize             int    `json:"twapWindowSize"`
		TwapEnabled                bool   `json:"twapEnabled"`
		MaxTwapDeviationBps        uint64 `json:"maxTwapDeviationBps"`
		MaxStepChangeBps           uint64 `json:"maxStepChangeBps"`
		ProofMaxAgeSeconds         int64  `json:"proofMaxAgeSeconds"`
	} `json:"oracle"`
	Reserve struct {
		BaselinePriceWei     string `json:"baselinePriceWei"`
		BurnReservePercent   uint64 `json:"burnReservePercent"`
		FeeSharePercent      uint64 `json:"feeSharePercent"`
		LowValueThresholdPct uint64 `json:"lowValueThresholdPct"`
	} `json:"reserve"`
}

func main() {
	paramsPath := flag.String("params", "./params.toml", "Path to fund parameter file")
	flag.Parse()

	params, err := config.LoadParams(*paramsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load parameters: %v\n", err)
		os.Exit(1)
	}

	if _, err := params.Guard.Parameters(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse guard limits: %v\n", err)
		os.Exit(1)
	}

	report := auditReport{}
	report.Fees.BaseFeeBps = params.Fees.BaseFeeBps
	report.Fees.MaxFeeBps = params.Fees.MaxFeeBps
	report.Fees.MinFeeBps = params.Fees.MinFeeBps
	report.Fees.DropThresholdBps = params.Fees.DropThresholdBps
	report.Fees.MaxDropThresholdBps = params.Fees.MaxDropThresholdBps
	report.Guard.MaxSingleWei = params.Guard.MaxSingleWei
	report.Guard.MaxDailyWei = params.Guard.MaxDailyWei
	report.Guard.MinIntervalSeconds = params.Guard.MinIntervalSeconds
	report.Guard.LargeFirstActionWei = params.Guard.LargeFirstActionWei
	report.Breaker.MinReserveRatioBps = params.Breaker.MinReserveRatioBps
	report.Breaker.ReserveRatioTargetBps = params.Breaker.ReserveRatioTargetBps
	report.Breaker.CriticalThresholdPercent = params.Breaker.CriticalThresholdPercent
	report.Breaker.RequiredApprovals = params.Breaker.RequiredApprovals
	report.Oracle.ObservationIntervalSeconds = params.Oracle.ObservationIntervalSeconds
	report.Oracle.TwapWindowSize = params.Oracle.TwapWindowSize
	report.Oracle.TwapEnabled = params.Oracle.TwapEnabled
	report.Oracle.MaxTwapDeviationBps = params.Oracle.MaxTwapDeviationBps
	report.Oracle.MaxStepChangeBps = params.Oracle.MaxStepChangeBps
	report.Oracle.ProofMaxAgeSeconds = params.Oracle.ProofMaxAgeSeconds
	report.Reserve.BaselinePriceWei = params.Reserve.BaselinePriceWei
	report.Reserve.BurnReservePercent = params.Reserve.BurnReservePercent
	report.Reserve.FeeSharePercent = params.Reserve.FeeSharePercent
	report.Reserve.LowValueThresholdPct = params.Reserve.LowValueThresholdPct

	output, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode report: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(output))
}
