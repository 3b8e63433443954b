package stability

import "encoding/hex"

var (
	oracleStateKey     = []byte("stability/oracle/state")
	reserveStateKey    = []byte("stability/reserve/state")
	breakerStateKey    = []byte("stability/breaker/state")
	feeParamsKey       = []byte("stability/fees/params")
	conversionPrefix   = []byte("stability/conversion/")
	conversionIndexKey = []byte("stability/conversion/index")
	guardStatePrefix   = []byte("stability/guard/addr/")
	priceSignerPrefix  = []byte("stability/oracle/signer/")
	lastPriceProofKey  = []byte("stability/oracle/proof/last")
)

func conversionKey(id string) []byte {
	buf := make([]byte, len(conversionPrefix)+len(id))
	copy(buf, conversionPrefix)
	copy(buf[len(conversionPrefix):], id)
	return buf
}

func guardStateKey(addr [20]byte) []byte {
	suffix := hex.EncodeToString(addr[:])
	buf := make([]byte, len(guardStatePrefix)+len(suffix))
	copy(buf, guardStatePrefix)
	copy(buf[len(guardStatePrefix):], suffix)
	return buf
}

func priceSignerKey(provider string) []byte {
	buf := make([]byte, len(priceSignerPrefix)+len(provider))
	copy(buf, priceSignerPrefix)
	copy(buf[len(priceSignerPrefix):], provider)
	return buf
}
