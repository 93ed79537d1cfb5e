package service

// Ответы OKX: берём только нужные поля, числа приходят строками.

type positionData struct {
	InstID  string `json:"instId"`
	PosSide string `json:"posSide"`
	Pos     string `json:"pos"`
	AvgPx   string `json:"avgPx"`
	UTime   string `json:"uTime"`
}

type pendingOrder struct {
	OrdID      string `json:"ordId"`
	ClOrdID    string `json:"clOrdId"`
	InstID     string `json:"instId"`
	Side       string `json:"side"`
	PosSide    string `json:"posSide"`
	OrdType    string `json:"ordType"`
	Px         string `json:"px"`
	Sz         string `json:"sz"`
	AccFillSz  string `json:"accFillSz"`
	ReduceOnly string `json:"reduceOnly"`
	State      string `json:"state"`
}

type pendingAlgo struct {
	AlgoID      string `json:"algoId"`
	AlgoClOrdID string `json:"algoClOrdId"`
	InstID      string `json:"instId"`
	Side        string `json:"side"`
	PosSide     string `json:"posSide"`
	OrdType     string `json:"ordType"`
	Sz          string `json:"sz"`
	SlTriggerPx string `json:"slTriggerPx"`
	TpTriggerPx string `json:"tpTriggerPx"`
}

type orderAck struct {
	OrdID   string `json:"ordId"`
	AlgoID  string `json:"algoId"`
	ClOrdID string `json:"clOrdId"`
	SCode   string `json:"sCode"`
	SMsg    string `json:"sMsg"`
}

type instrumentData struct {
	InstID    string `json:"instId"`
	TickSz    string `json:"tickSz"`
	LotSz     string `json:"lotSz"`
	MinSz     string `json:"minSz"`
	CtVal     string `json:"ctVal"`
	CtMult    string `json:"ctMult"`
	State     string `json:"state"`
	SettleCcy string `json:"settleCcy"`
}
