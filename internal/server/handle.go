package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ronickg/chia-wallet-sdk/internal/model"
	"github.com/ronickg/chia-wallet-sdk/pkg"
)

const defaultPageSize = 50

func badRequest(ctx *gin.Context, err error) {
	ctx.JSON(http.StatusBadRequest, gin.H{
		"code": http.StatusBadRequest,
		"msg":  err.Error(),
	})
}

func reply(ctx *gin.Context, data interface{}) {
	ctx.JSON(http.StatusOK, gin.H{
		"code": http.StatusOK,
		"data": data,
	})
}

func (s *Server) heightHandle() func(ctx *gin.Context) {
	return func(ctx *gin.Context) {
		s.mu.Lock()
		height := model.HeightReply{
			Height:           s.ledger.Height(),
			PeakHash:         s.ledger.PeakHash(),
			GenesisChallenge: s.ledger.GenesisChallenge(),
			Coins:            s.ledger.Len(),
		}
		s.mu.Unlock()
		reply(ctx, height)
	}
}

func (s *Server) coinStateHandle() func(ctx *gin.Context) {
	return func(ctx *gin.Context) {
		var req model.CoinStateRequest
		if err := ctx.ShouldBindJSON(&req); err != nil {
			badRequest(ctx, err)
			return
		}
		reply(ctx, s.CoinStates(req.CoinIDs, req.MinHeight))
	}
}

func (s *Server) childrenHandle() func(ctx *gin.Context) {
	return func(ctx *gin.Context) {
		var req model.ChildrenRequest
		if err := ctx.ShouldBindJSON(&req); err != nil {
			badRequest(ctx, err)
			return
		}
		reply(ctx, s.Children(req.CoinID))
	}
}

func (s *Server) puzzleStateHandle() func(ctx *gin.Context) {
	return func(ctx *gin.Context) {
		var req model.PuzzleStateRequest
		if err := ctx.ShouldBindJSON(&req); err != nil {
			badRequest(ctx, err)
			return
		}
		raw, err := pkg.ParsePuzzleHash(req.Address)
		if err != nil {
			badRequest(ctx, err)
			return
		}
		ph := model.Bytes32(raw)
		address, err := pkg.EncodeAddress(s.conf.AddressPrefix, ph)
		if err != nil {
			badRequest(ctx, err)
			return
		}
		filters := model.AllCoins()
		if req.Filters != nil {
			filters = *req.Filters
		}
		if req.Page < 0 {
			req.Page = 0
		}
		if req.PageSize <= 0 {
			req.PageSize = defaultPageSize
		}

		states := s.PuzzleStates([]model.Bytes32{ph}, req.MinHeight, filters)
		reply(ctx, model.PuzzleStateReply{
			Address:    address,
			PuzzleHash: ph,
			Page:       req.Page,
			PageSize:   req.PageSize,
			TotalSize:  len(states),
			CoinStates: pkg.Paginate(states, req.Page, req.PageSize),
		})
	}
}

func (s *Server) mintHandle() func(ctx *gin.Context) {
	return func(ctx *gin.Context) {
		var req model.MintRequest
		if err := ctx.ShouldBindJSON(&req); err != nil {
			badRequest(ctx, err)
			return
		}
		raw, err := pkg.ParsePuzzleHash(req.Address)
		if err != nil {
			badRequest(ctx, err)
			return
		}
		ph := model.Bytes32(raw)
		coin := s.MintCoin(ph, req.Amount)
		reply(ctx, model.MintReply{CoinID: coin.CoinID(), Coin: coin})
	}
}

func (s *Server) hintHandle() func(ctx *gin.Context) {
	return func(ctx *gin.Context) {
		var req model.HintRequest
		if err := ctx.ShouldBindJSON(&req); err != nil {
			badRequest(ctx, err)
			return
		}
		if err := s.AddHint(req.CoinID, req.Hint); err != nil {
			badRequest(ctx, err)
			return
		}
		reply(ctx, req)
	}
}

func (s *Server) blockHandle() func(ctx *gin.Context) {
	return func(ctx *gin.Context) {
		var bundle model.SpendBundle
		if err := ctx.ShouldBindJSON(&bundle); err != nil {
			badRequest(ctx, err)
			return
		}
		if err := s.PushBlock(bundle); err != nil {
			if isValidationError(err) {
				badRequest(ctx, err)
				return
			}
			ctx.JSON(http.StatusInternalServerError, gin.H{
				"code": http.StatusInternalServerError,
				"msg":  err.Error(),
			})
			return
		}
		reply(ctx, model.TransactionAck{TxID: bundle.Name(), Status: model.TxStatusSuccess})
	}
}

func (s *Server) subscriptionsHandle() func(ctx *gin.Context) {
	return func(ctx *gin.Context) {
		reply(ctx, s.Subscriptions())
	}
}
