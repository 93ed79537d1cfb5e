package models

import "github.com/shopspring/decimal"

// LevelPlan — один уровень тейк-профита в дефолтном ладдере.
type LevelPlan struct {
	Percent     decimal.Decimal // доля от targetSize, в процентах
	DistancePct decimal.Decimal // отступ цены от входа, в процентах
}

// LadderPlan — форма ладдера, которую ставим, если на бирже ордеров нет.
type LadderPlan struct {
	Levels          []LevelPlan
	StopDistancePct decimal.Decimal
}
