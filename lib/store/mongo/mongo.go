// Package mongo implements the ledger store for MongoDB.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mgo "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/opencustody/walletd/lib/store"
)

const dbName = "walletd"

// Mongo implements store.DB on a MongoDB database.
type Mongo struct {
	c *mgo.Client
}

// New returns a Mongo client connection to the specified MongoDB database uri.
func New(uri string) (*Mongo, error) {
	c, err := mgo.NewClient(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to mongo DB in %s: %w", uri, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second) //nolint:gomnd // 5 seconds timeout
	defer cancel()

	if err = c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("error connecting to mongo DB: %w", err)
	}

	m := &Mongo{c: c}
	if err = m.ensureIndexes(ctx); err != nil {
		return nil, err
	}

	return m, nil
}

// ensureIndexes creates the unique indexes that back the duplicate checks.
// Uniqueness is enforced by the database, not by a read-then-write, so two
// concurrent writers cannot both insert the same document.
func (m *Mongo) ensureIndexes(ctx context.Context) error {
	keys := func(names ...string) bson.D {
		d := make(bson.D, 0, len(names))
		for _, n := range names {
			d = append(d, bson.E{Key: n, Value: 1})
		}

		return d
	}
	unique := options.Index().SetUnique(true)

	for col, models := range map[string][]mgo.IndexModel{
		"syncblocks": {{Keys: keys("service"), Options: unique}},
		"fundings":   {{Keys: keys("service", "transactionHash", "addressId", "amount", "outputIndex"), Options: unique}},
		"withdraws":  {{Keys: keys("service", "withdrawalId"), Options: unique}},
		"addresses":  {{Keys: keys("service", "address"), Options: unique}},
		"wallets":    {{Keys: keys("service", "walletName"), Options: unique}},
		"tokens": {
			{Keys: keys("service", "symbol"), Options: unique},
			{Keys: keys("service", "contractAddress"), Options: unique},
		},
		"events": {{Keys: keys("service", "signature"), Options: unique}},
	} {
		if _, err := m.col(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("cannot create indexes on %s: %w", col, err)
		}
	}

	return nil
}

// Close disconnects from the database. Must be called at termination time.
func (m *Mongo) Close() error {
	return m.c.Disconnect(context.Background())
}

func (m *Mongo) col(name string) *mgo.Collection {
	return m.c.Database(dbName).Collection(name)
}

// fundingDoc is the persisted form of store.Funding. Amounts are stored as
// strings to keep full precision.
type fundingDoc struct {
	ID              primitive.ObjectID `bson:"_id,omitempty"`
	Service         string             `bson:"service"`
	TransactionHash string             `bson:"transactionHash"`
	OutputIndex     uint32             `bson:"outputIndex"`
	Type            string             `bson:"type"`
	BlockHeight     int64              `bson:"blockHeight"`
	To              string             `bson:"to"`
	From            string             `bson:"from,omitempty"`
	Amount          string             `bson:"amount"`
	Currency        string             `bson:"currency"`
	AddressID       string             `bson:"addressId"`
	WalletID        string             `bson:"walletId"`
	Script          string             `bson:"script,omitempty"`
	Status          string             `bson:"status"`
	SpentIn         string             `bson:"spentInTransactionHash"`
	IsUsed          bool               `bson:"isUsed"`
}

func (d fundingDoc) funding() (store.Funding, error) {
	amt, err := decimal.NewFromString(d.Amount)
	if err != nil {
		return store.Funding{}, fmt.Errorf("bad amount %q in funding %s: %w", d.Amount, d.ID.Hex(), err)
	}

	return store.Funding{
		ID:              d.ID.Hex(),
		Service:         d.Service,
		TransactionHash: d.TransactionHash,
		OutputIndex:     d.OutputIndex,
		Type:            d.Type,
		BlockHeight:     d.BlockHeight,
		To:              d.To,
		From:            d.From,
		Amount:          amt,
		Currency:        d.Currency,
		AddressID:       d.AddressID,
		WalletID:        d.WalletID,
		Script:          d.Script,
		Status:          d.Status,
		SpentIn:         d.SpentIn,
		IsUsed:          d.IsUsed,
	}, nil
}

// withdrawDoc is the persisted form of store.Withdraw.
type withdrawDoc struct {
	Service         string `bson:"service"`
	WithdrawalID    string `bson:"withdrawalId"`
	Address         string `bson:"address"`
	Asset           string `bson:"asset"`
	Tag             string `bson:"tag,omitempty"`
	Amount          string `bson:"amount"`
	Status          string `bson:"status"`
	TransactionHash string `bson:"transactionHash"`
	OutputIndex     uint32 `bson:"outputIndex"`
	MinerFee        string `bson:"minerFee"`
	FeeCurrency     string `bson:"feeCurrency"`
	Retries         int    `bson:"retries"`
	Signature       string `bson:"signature"`
	IsNotified      bool   `bson:"isNotified"`
	ErrorMsg        string `bson:"errorMsg,omitempty"`
}

func (d withdrawDoc) withdraw() (store.Withdraw, error) {
	amt, err := decimal.NewFromString(d.Amount)
	if err != nil {
		return store.Withdraw{}, fmt.Errorf("bad amount %q in withdraw %s: %w", d.Amount, d.WithdrawalID, err)
	}

	fee := decimal.Zero
	if d.MinerFee != "" {
		if fee, err = decimal.NewFromString(d.MinerFee); err != nil {
			return store.Withdraw{}, fmt.Errorf("bad minerFee %q in withdraw %s: %w", d.MinerFee, d.WithdrawalID, err)
		}
	}

	return store.Withdraw{
		Service:         d.Service,
		WithdrawalID:    d.WithdrawalID,
		Address:         d.Address,
		Asset:           d.Asset,
		Tag:             d.Tag,
		Amount:          amt,
		Status:          d.Status,
		TransactionHash: d.TransactionHash,
		OutputIndex:     d.OutputIndex,
		MinerFee:        fee,
		FeeCurrency:     d.FeeCurrency,
		Retries:         d.Retries,
		Signature:       d.Signature,
		IsNotified:      d.IsNotified,
		ErrorMsg:        d.ErrorMsg,
	}, nil
}

// SyncHeight returns the processed-block checkpoint for the service.
func (m *Mongo) SyncHeight(service string) (int64, error) {
	var doc struct {
		Height int64 `bson:"height"`
	}

	err := m.col("syncblocks").FindOne(context.Background(), bson.M{"service": service}).Decode(&doc)
	if errors.Is(err, mgo.ErrNoDocuments) {
		return 0, store.ErrNotFound
	}

	if err != nil {
		return 0, fmt.Errorf("could not load sync block: %w", err)
	}

	return doc.Height, nil
}

// SetSyncHeight advances the checkpoint, creating it if absent.
func (m *Mongo) SetSyncHeight(service string, height int64) error {
	_, err := m.col("syncblocks").UpdateOne(context.Background(),
		bson.M{"service": service},
		bson.M{"$set": bson.M{"height": height}},
		options.Update().SetUpsert(true))

	return err
}

// AddFunding inserts a funding unless an equal credit already exists.
func (m *Mongo) AddFunding(f store.Funding) (string, error) {
	res, err := m.col("fundings").InsertOne(context.Background(), fundingDoc{
		Service:         f.Service,
		TransactionHash: f.TransactionHash,
		OutputIndex:     f.OutputIndex,
		Type:            f.Type,
		BlockHeight:     f.BlockHeight,
		To:              f.To,
		From:            f.From,
		Amount:          f.Amount.String(),
		Currency:        f.Currency,
		AddressID:       f.AddressID,
		WalletID:        f.WalletID,
		Script:          f.Script,
		Status:          f.Status,
		SpentIn:         f.SpentIn,
		IsUsed:          f.IsUsed,
	})
	if mgo.IsDuplicateKeyError(err) {
		return "", store.ErrDuplicate
	}

	if err != nil {
		return "", fmt.Errorf("could not insert funding: %w", err)
	}

	return res.InsertedID.(primitive.ObjectID).Hex(), nil
}

// GetFunding finds a funding by transaction hash and output index.
func (m *Mongo) GetFunding(service, txHash string, outputIndex uint32) (store.Funding, error) {
	var doc fundingDoc

	err := m.col("fundings").FindOne(context.Background(),
		bson.M{"service": service, "transactionHash": txHash, "outputIndex": outputIndex}).Decode(&doc)
	if errors.Is(err, mgo.ErrNoDocuments) {
		return store.Funding{}, store.ErrNotFound
	}

	if err != nil {
		return store.Funding{}, fmt.Errorf("could not load funding: %w", err)
	}

	return doc.funding()
}

// SpendFunding marks the matching unspent funding as spent. The filter only
// matches rows whose spentInTransactionHash is still empty.
func (m *Mongo) SpendFunding(service, txHash string, outputIndex uint32, currency, spentIn string) error {
	res, err := m.col("fundings").UpdateOne(context.Background(),
		bson.M{
			"service":                service,
			"transactionHash":        txHash,
			"outputIndex":            outputIndex,
			"currency":               currency,
			"spentInTransactionHash": "",
		},
		bson.M{"$set": bson.M{"spentInTransactionHash": spentIn}})
	if err != nil {
		return fmt.Errorf("could not spend funding: %w", err)
	}

	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}

	return nil
}

// SpendFundingByID is SpendFunding keyed by row id.
func (m *Mongo) SpendFundingByID(service, id, spentIn string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return fmt.Errorf("bad funding id %q: %w", id, err)
	}

	res, err := m.col("fundings").UpdateOne(context.Background(),
		bson.M{"_id": oid, "service": service, "spentInTransactionHash": ""},
		bson.M{"$set": bson.M{"spentInTransactionHash": spentIn}})
	if err != nil {
		return fmt.Errorf("could not spend funding: %w", err)
	}

	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}

	return nil
}

// UseFunding flags a funding as reserved by an in-flight transaction.
func (m *Mongo) UseFunding(service, id string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return fmt.Errorf("bad funding id %q: %w", id, err)
	}

	res, err := m.col("fundings").UpdateOne(context.Background(),
		bson.M{"_id": oid, "service": service},
		bson.M{"$set": bson.M{"isUsed": true}})
	if err != nil {
		return fmt.Errorf("could not reserve funding: %w", err)
	}

	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}

	return nil
}

func (m *Mongo) findFundings(filter bson.M, opts ...*options.FindOptions) ([]store.Funding, error) {
	cur, err := m.col("fundings").Find(context.Background(), filter, opts...)
	if err != nil {
		return nil, fmt.Errorf("could not query fundings: %w", err)
	}
	defer cur.Close(context.Background())

	var out []store.Funding

	for cur.Next(context.Background()) {
		var doc fundingDoc
		if err = cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("could not decode funding: %w", err)
		}

		f, err := doc.funding()
		if err != nil {
			return nil, err
		}

		out = append(out, f)
	}

	return out, cur.Err()
}

func unspentFilter(service, currency string) bson.M {
	return bson.M{
		"service":                service,
		"currency":               currency,
		"spentInTransactionHash": "",
		"isUsed":                 false,
		"status":                 store.StatusConfirmed,
	}
}

// UnspentByAddress returns the spendable fundings of one address.
func (m *Mongo) UnspentByAddress(service, addressID, currency string) ([]store.Funding, error) {
	filter := unspentFilter(service, currency)
	filter["addressId"] = addressID

	return m.findFundings(filter)
}

// UnspentByWallet returns the spendable fundings of a wallet, smallest
// amount first. Amounts are persisted as strings, so ordering is done here
// rather than in the query.
func (m *Mongo) UnspentByWallet(service, walletID, currency string) ([]store.Funding, error) {
	filter := unspentFilter(service, currency)
	filter["walletId"] = walletID

	out, err := m.findFundings(filter)
	if err != nil {
		return nil, err
	}

	sortFundings(out)

	return out, nil
}

func sortFundings(fs []store.Funding) {
	for i := 1; i < len(fs); i++ {
		for j := i; j > 0 && fs[j].Amount.LessThan(fs[j-1].Amount); j-- {
			fs[j], fs[j-1] = fs[j-1], fs[j]
		}
	}
}

// WalletBalances sums unspent fundings of a wallet grouped by currency.
func (m *Mongo) WalletBalances(service, walletID string) (map[string]decimal.Decimal, error) {
	fs, err := m.findFundings(bson.M{
		"service":                service,
		"walletId":               walletID,
		"spentInTransactionHash": "",
		"status":                 store.StatusConfirmed,
	})
	if err != nil {
		return nil, err
	}

	bal := make(map[string]decimal.Decimal)
	for _, f := range fs {
		bal[f.Currency] = bal[f.Currency].Add(f.Amount)
	}

	return bal, nil
}

// AddressFunds sums unspent fundings per deposit address for one currency.
func (m *Mongo) AddressFunds(service, currency string) ([]store.AddressFunds, error) {
	fs, err := m.findFundings(unspentFilter(service, currency))
	if err != nil {
		return nil, err
	}

	idx := make(map[string]int)

	var out []store.AddressFunds

	for _, f := range fs {
		i, ok := idx[f.AddressID]
		if !ok {
			i = len(out)
			idx[f.AddressID] = i
			out = append(out, store.AddressFunds{AddressID: f.AddressID, WalletID: f.WalletID, Address: f.To})
		}

		out[i].Amount = out[i].Amount.Add(f.Amount)
	}

	return out, nil
}

// WalletFunds sums unspent fundings per wallet for one currency.
func (m *Mongo) WalletFunds(service, currency string) ([]store.WalletFunds, error) {
	fs, err := m.findFundings(unspentFilter(service, currency))
	if err != nil {
		return nil, err
	}

	idx := make(map[string]int)

	var out []store.WalletFunds

	for _, f := range fs {
		i, ok := idx[f.WalletID]
		if !ok {
			i = len(out)
			idx[f.WalletID] = i
			out = append(out, store.WalletFunds{WalletID: f.WalletID})
		}

		out[i].Amount = out[i].Amount.Add(f.Amount)
	}

	return out, nil
}

// CreateWithdraw inserts a withdrawal unless the withdrawalId is taken.
func (m *Mongo) CreateWithdraw(w store.Withdraw) error {
	_, err := m.col("withdraws").InsertOne(context.Background(), withdrawDoc{
		Service:      w.Service,
		WithdrawalID: w.WithdrawalID,
		Address:      w.Address,
		Asset:        w.Asset,
		Tag:          w.Tag,
		Amount:       w.Amount.String(),
		Status:       w.Status,
		MinerFee:     w.MinerFee.String(),
		FeeCurrency:  w.FeeCurrency,
		Retries:      w.Retries,
		Signature:    w.Signature,
		IsNotified:   w.IsNotified,
	})
	if mgo.IsDuplicateKeyError(err) {
		return store.ErrDuplicate
	}

	if err != nil {
		return fmt.Errorf("could not insert withdraw: %w", err)
	}

	return nil
}

// PendingWithdraws returns up to limit queued withdrawals, oldest first.
func (m *Mongo) PendingWithdraws(service string, limit int64) ([]store.Withdraw, error) {
	cur, err := m.col("withdraws").Find(context.Background(),
		bson.M{"service": service, "status": store.WithdrawInqueue},
		options.Find().SetLimit(limit).SetSort(bson.M{"_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("could not query withdraws: %w", err)
	}
	defer cur.Close(context.Background())

	var out []store.Withdraw

	for cur.Next(context.Background()) {
		var doc withdrawDoc
		if err = cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("could not decode withdraw: %w", err)
		}

		w, err := doc.withdraw()
		if err != nil {
			return nil, err
		}

		out = append(out, w)
	}

	return out, cur.Err()
}

func (m *Mongo) getWithdraw(filter bson.M) (store.Withdraw, error) {
	var doc withdrawDoc

	err := m.col("withdraws").FindOne(context.Background(), filter).Decode(&doc)
	if errors.Is(err, mgo.ErrNoDocuments) {
		return store.Withdraw{}, store.ErrNotFound
	}

	if err != nil {
		return store.Withdraw{}, fmt.Errorf("could not load withdraw: %w", err)
	}

	return doc.withdraw()
}

// GetWithdraw finds a withdrawal by its external id.
func (m *Mongo) GetWithdraw(service, withdrawalID string) (store.Withdraw, error) {
	return m.getWithdraw(bson.M{"service": service, "withdrawalId": withdrawalID})
}

// GetWithdrawByTx finds a withdrawal by broadcast hash and output index.
func (m *Mongo) GetWithdrawByTx(service, txHash string, outputIndex uint32) (store.Withdraw, error) {
	return m.getWithdraw(bson.M{"service": service, "transactionHash": txHash, "outputIndex": outputIndex})
}

func (m *Mongo) updateWithdraw(service, withdrawalID string, update bson.M) error {
	res, err := m.col("withdraws").UpdateOne(context.Background(),
		bson.M{"service": service, "withdrawalId": withdrawalID}, update)
	if err != nil {
		return fmt.Errorf("could not update withdraw: %w", err)
	}

	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}

	return nil
}

// SetWithdrawTransfered records the broadcast and moves the row to
// transfered.
func (m *Mongo) SetWithdrawTransfered(service, withdrawalID, txHash string, outputIndex uint32) error {
	return m.updateWithdraw(service, withdrawalID, bson.M{"$set": bson.M{
		"status":          store.WithdrawTransfered,
		"transactionHash": txHash,
		"outputIndex":     outputIndex,
	}})
}

// SetWithdrawSuccess finalizes a confirmed withdrawal.
func (m *Mongo) SetWithdrawSuccess(service, withdrawalID string, minerFee decimal.Decimal, feeCurrency string) error {
	return m.updateWithdraw(service, withdrawalID, bson.M{"$set": bson.M{
		"status":      store.WithdrawSuccess,
		"minerFee":    minerFee.String(),
		"feeCurrency": feeCurrency,
	}})
}

// RequeueWithdraw puts a failed withdrawal back in queue.
func (m *Mongo) RequeueWithdraw(service, withdrawalID string) error {
	return m.updateWithdraw(service, withdrawalID, bson.M{
		"$set": bson.M{
			"status":          store.WithdrawInqueue,
			"transactionHash": "",
			"outputIndex":     uint32(0),
		},
		"$inc": bson.M{"retries": 1},
	})
}

// RejectWithdraw marks a withdrawal permanently failed.
func (m *Mongo) RejectWithdraw(service, withdrawalID, reason string) error {
	return m.updateWithdraw(service, withdrawalID, bson.M{"$set": bson.M{
		"status":   store.WithdrawRejected,
		"errorMsg": reason,
	}})
}

// SetWithdrawNotified flags the withdrawal as reported downstream.
func (m *Mongo) SetWithdrawNotified(service, withdrawalID string) error {
	return m.updateWithdraw(service, withdrawalID, bson.M{"$set": bson.M{"isNotified": true}})
}

// AddMoveFund appends a sweep audit record.
func (m *Mongo) AddMoveFund(mf store.MoveFund) error {
	_, err := m.col("movefunds").InsertOne(context.Background(), bson.M{
		"service":         mf.Service,
		"currency":        mf.Currency,
		"address":         mf.Address,
		"amount":          mf.Amount.String(),
		"minerFee":        mf.MinerFee.String(),
		"feeCurrency":     mf.FeeCurrency,
		"retries":         mf.Retries,
		"status":          mf.Status,
		"transactionHash": mf.TransactionHash,
	})
	if err != nil {
		return fmt.Errorf("could not insert move fund: %w", err)
	}

	return nil
}

// AddDistribution appends a gas top-up audit record.
func (m *Mongo) AddDistribution(d store.Distribution) error {
	_, err := m.col("distributions").InsertOne(context.Background(), bson.M{
		"service":         d.Service,
		"currency":        d.Currency,
		"address":         d.Address,
		"amount":          d.Amount.String(),
		"minerFee":        d.MinerFee.String(),
		"feeCurrency":     d.FeeCurrency,
		"status":          d.Status,
		"transactionHash": d.TransactionHash,
	})
	if err != nil {
		return fmt.Errorf("could not insert distribution: %w", err)
	}

	return nil
}

// GetDistributionByTx finds a top-up by transaction hash.
func (m *Mongo) GetDistributionByTx(service, txHash string) (store.Distribution, error) {
	var doc struct {
		Service         string `bson:"service"`
		Currency        string `bson:"currency"`
		Address         string `bson:"address"`
		Amount          string `bson:"amount"`
		MinerFee        string `bson:"minerFee"`
		FeeCurrency     string `bson:"feeCurrency"`
		Status          string `bson:"status"`
		TransactionHash string `bson:"transactionHash"`
	}

	err := m.col("distributions").FindOne(context.Background(),
		bson.M{"service": service, "transactionHash": txHash}).Decode(&doc)
	if errors.Is(err, mgo.ErrNoDocuments) {
		return store.Distribution{}, store.ErrNotFound
	}

	if err != nil {
		return store.Distribution{}, fmt.Errorf("could not load distribution: %w", err)
	}

	amt, err := decimal.NewFromString(doc.Amount)
	if err != nil {
		return store.Distribution{}, fmt.Errorf("bad amount %q in distribution %s: %w", doc.Amount, txHash, err)
	}

	fee := decimal.Zero
	if doc.MinerFee != "" {
		if fee, err = decimal.NewFromString(doc.MinerFee); err != nil {
			return store.Distribution{}, fmt.Errorf("bad minerFee %q in distribution %s: %w", doc.MinerFee, txHash, err)
		}
	}

	return store.Distribution{
		Service:         doc.Service,
		Currency:        doc.Currency,
		Address:         doc.Address,
		Amount:          amt,
		MinerFee:        fee,
		FeeCurrency:     doc.FeeCurrency,
		Status:          doc.Status,
		TransactionHash: doc.TransactionHash,
	}, nil
}

type addressDoc struct {
	ID       primitive.ObjectID `bson:"_id,omitempty"`
	Service  string             `bson:"service"`
	WalletID string             `bson:"walletId"`
	Address  string             `bson:"address"`
	Type     string             `bson:"type"`
	Path     uint32             `bson:"path"`
	Memo     string             `bson:"memo,omitempty"`
}

func (d addressDoc) address() store.Address {
	return store.Address{
		ID:       d.ID.Hex(),
		Service:  d.Service,
		WalletID: d.WalletID,
		Address:  d.Address,
		Type:     d.Type,
		Path:     d.Path,
		Memo:     d.Memo,
	}
}

// AddAddress saves an address if the chain address is not already known.
func (m *Mongo) AddAddress(a store.Address) (string, error) {
	res, err := m.col("addresses").InsertOne(context.Background(), addressDoc{
		Service:  a.Service,
		WalletID: a.WalletID,
		Address:  a.Address,
		Type:     a.Type,
		Path:     a.Path,
		Memo:     a.Memo,
	})
	if mgo.IsDuplicateKeyError(err) {
		return "", store.ErrDuplicate
	}

	if err != nil {
		return "", fmt.Errorf("could not insert address: %w", err)
	}

	return res.InsertedID.(primitive.ObjectID).Hex(), nil
}

func (m *Mongo) getAddress(filter bson.M) (store.Address, error) {
	var doc addressDoc

	err := m.col("addresses").FindOne(context.Background(), filter).Decode(&doc)
	if errors.Is(err, mgo.ErrNoDocuments) {
		return store.Address{}, store.ErrNotFound
	}

	if err != nil {
		return store.Address{}, fmt.Errorf("could not load address: %w", err)
	}

	return doc.address(), nil
}

// GetAddress finds an address row by its chain address.
func (m *Mongo) GetAddress(service, address string) (store.Address, error) {
	return m.getAddress(bson.M{"service": service, "address": address})
}

// GetAddressByID finds an address row by id.
func (m *Mongo) GetAddressByID(service, id string) (store.Address, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return store.Address{}, fmt.Errorf("bad address id %q: %w", id, err)
	}

	return m.getAddress(bson.M{"_id": oid, "service": service})
}

// NextAddressPath returns the next unused derivation index for a wallet.
func (m *Mongo) NextAddressPath(service, walletID string) (uint32, error) {
	var doc addressDoc

	err := m.col("addresses").FindOne(context.Background(),
		bson.M{"service": service, "walletId": walletID},
		options.FindOne().SetSort(bson.M{"path": -1})).Decode(&doc)
	if errors.Is(err, mgo.ErrNoDocuments) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("could not load address path: %w", err)
	}

	return doc.Path + 1, nil
}

type walletDoc struct {
	ID               primitive.ObjectID `bson:"_id,omitempty"`
	Service          string             `bson:"service"`
	WalletName       string             `bson:"walletName"`
	EncryptedKey     string             `bson:"encryptedKey"`
	EncryptedAddress string             `bson:"encryptedAddress"`
}

func (d walletDoc) wallet() store.Wallet {
	return store.Wallet{
		ID:               d.ID.Hex(),
		Service:          d.Service,
		WalletName:       d.WalletName,
		EncryptedKey:     d.EncryptedKey,
		EncryptedAddress: d.EncryptedAddress,
	}
}

// AddWallet saves a wallet if the name is free.
func (m *Mongo) AddWallet(w store.Wallet) (string, error) {
	res, err := m.col("wallets").InsertOne(context.Background(), walletDoc{
		Service:          w.Service,
		WalletName:       w.WalletName,
		EncryptedKey:     w.EncryptedKey,
		EncryptedAddress: w.EncryptedAddress,
	})
	if mgo.IsDuplicateKeyError(err) {
		return "", store.ErrDuplicate
	}

	if err != nil {
		return "", fmt.Errorf("could not insert wallet: %w", err)
	}

	return res.InsertedID.(primitive.ObjectID).Hex(), nil
}

func (m *Mongo) getWallet(filter bson.M) (store.Wallet, error) {
	var doc walletDoc

	err := m.col("wallets").FindOne(context.Background(), filter).Decode(&doc)
	if errors.Is(err, mgo.ErrNoDocuments) {
		return store.Wallet{}, store.ErrNotFound
	}

	if err != nil {
		return store.Wallet{}, fmt.Errorf("could not load wallet: %w", err)
	}

	return doc.wallet(), nil
}

// GetWallet finds a wallet by id.
func (m *Mongo) GetWallet(service, id string) (store.Wallet, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return store.Wallet{}, fmt.Errorf("bad wallet id %q: %w", id, err)
	}

	return m.getWallet(bson.M{"_id": oid, "service": service})
}

// GetWalletByName finds a wallet by name.
func (m *Mongo) GetWalletByName(service, name string) (store.Wallet, error) {
	return m.getWallet(bson.M{"service": service, "walletName": name})
}

// SetWalletAddress stores the encrypted settlement address of a wallet.
func (m *Mongo) SetWalletAddress(service, id, encryptedAddress string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return fmt.Errorf("bad wallet id %q: %w", id, err)
	}

	res, err := m.col("wallets").UpdateOne(context.Background(),
		bson.M{"_id": oid, "service": service},
		bson.M{"$set": bson.M{"encryptedAddress": encryptedAddress}})
	if err != nil {
		return fmt.Errorf("could not update wallet: %w", err)
	}

	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}

	return nil
}

// GetConfig returns the routing config of a service.
func (m *Mongo) GetConfig(service string) (store.WalletConfig, error) {
	var c store.WalletConfig

	err := m.col("configs").FindOne(context.Background(), bson.M{"service": service}).Decode(&c)
	if errors.Is(err, mgo.ErrNoDocuments) {
		return store.WalletConfig{}, store.ErrNotFound
	}

	if err != nil {
		return store.WalletConfig{}, fmt.Errorf("could not load config: %w", err)
	}

	return c, nil
}

// SetConfig upserts the routing config of a service.
func (m *Mongo) SetConfig(c store.WalletConfig) error {
	_, err := m.col("configs").UpdateOne(context.Background(),
		bson.M{"service": c.Service},
		bson.M{"$set": bson.M{
			"depositWalletId":      c.DepositWalletID,
			"withdrawWalletId":     c.WithdrawWalletID,
			"distributionWalletId": c.DistributionWalletID,
			"encryptedColdWallet":  c.EncryptedColdWallet,
			"isNotified":           c.IsNotified,
		}},
		options.Update().SetUpsert(true))

	return err
}

type thresholdDoc struct {
	Service               string `bson:"service"`
	Token                 string `bson:"token"`
	NotificationThreshold string `bson:"notificationThreshold"`
	ForwardingThreshold   string `bson:"forwardingThreshold"`
	MinimumDeposit        string `bson:"minimumDeposit"`
}

func (d thresholdDoc) threshold() (store.WalletThreshold, error) {
	t := store.WalletThreshold{Service: d.Service, Token: d.Token}

	var err error
	if t.NotificationThreshold, err = decimal.NewFromString(d.NotificationThreshold); err != nil {
		return t, fmt.Errorf("bad notificationThreshold %q: %w", d.NotificationThreshold, err)
	}

	if t.ForwardingThreshold, err = decimal.NewFromString(d.ForwardingThreshold); err != nil {
		return t, fmt.Errorf("bad forwardingThreshold %q: %w", d.ForwardingThreshold, err)
	}

	if t.MinimumDeposit, err = decimal.NewFromString(d.MinimumDeposit); err != nil {
		return t, fmt.Errorf("bad minimumDeposit %q: %w", d.MinimumDeposit, err)
	}

	return t, nil
}

// SetThreshold upserts the threshold row for (service, token).
func (m *Mongo) SetThreshold(t store.WalletThreshold) error {
	_, err := m.col("thresholds").UpdateOne(context.Background(),
		bson.M{"service": t.Service, "token": t.Token},
		bson.M{"$set": bson.M{
			"notificationThreshold": t.NotificationThreshold.String(),
			"forwardingThreshold":   t.ForwardingThreshold.String(),
			"minimumDeposit":        t.MinimumDeposit.String(),
		}},
		options.Update().SetUpsert(true))

	return err
}

// GetThreshold returns the threshold row for (service, token).
func (m *Mongo) GetThreshold(service, token string) (store.WalletThreshold, error) {
	var doc thresholdDoc

	err := m.col("thresholds").FindOne(context.Background(),
		bson.M{"service": service, "token": token}).Decode(&doc)
	if errors.Is(err, mgo.ErrNoDocuments) {
		return store.WalletThreshold{}, store.ErrNotFound
	}

	if err != nil {
		return store.WalletThreshold{}, fmt.Errorf("could not load threshold: %w", err)
	}

	return doc.threshold()
}

// GetThresholds returns all threshold rows of a service.
func (m *Mongo) GetThresholds(service string) ([]store.WalletThreshold, error) {
	cur, err := m.col("thresholds").Find(context.Background(), bson.M{"service": service})
	if err != nil {
		return nil, fmt.Errorf("could not query thresholds: %w", err)
	}
	defer cur.Close(context.Background())

	var out []store.WalletThreshold

	for cur.Next(context.Background()) {
		var doc thresholdDoc
		if err = cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("could not decode threshold: %w", err)
		}

		t, err := doc.threshold()
		if err != nil {
			return nil, err
		}

		out = append(out, t)
	}

	return out, cur.Err()
}

// AddToken registers a token contract if neither symbol nor contract is
// taken.
func (m *Mongo) AddToken(t store.Token) error {
	_, err := m.col("tokens").InsertOne(context.Background(), t)
	if mgo.IsDuplicateKeyError(err) {
		return store.ErrDuplicate
	}

	if err != nil {
		return fmt.Errorf("could not insert token: %w", err)
	}

	return nil
}

func (m *Mongo) getToken(filter bson.M) (store.Token, error) {
	var t store.Token

	err := m.col("tokens").FindOne(context.Background(), filter).Decode(&t)
	if errors.Is(err, mgo.ErrNoDocuments) {
		return store.Token{}, store.ErrNotFound
	}

	if err != nil {
		return store.Token{}, fmt.Errorf("could not load token: %w", err)
	}

	return t, nil
}

// GetToken finds an enabled token by symbol.
func (m *Mongo) GetToken(service, symbol string) (store.Token, error) {
	return m.getToken(bson.M{"service": service, "symbol": symbol, "enabled": true})
}

// GetTokenByContract finds an enabled token by contract address.
func (m *Mongo) GetTokenByContract(service, contract string) (store.Token, error) {
	return m.getToken(bson.M{"service": service, "contractAddress": contract, "enabled": true})
}

// Tokens returns all enabled tokens of a service.
func (m *Mongo) Tokens(service string) ([]store.Token, error) {
	cur, err := m.col("tokens").Find(context.Background(), bson.M{"service": service, "enabled": true})
	if err != nil {
		return nil, fmt.Errorf("could not query tokens: %w", err)
	}
	defer cur.Close(context.Background())

	var out []store.Token

	for cur.Next(context.Background()) {
		var t store.Token
		if err = cur.Decode(&t); err != nil {
			return nil, fmt.Errorf("could not decode token: %w", err)
		}

		out = append(out, t)
	}

	return out, cur.Err()
}

// SaveBlockEvent upserts the audit copy of an emitted event.
func (m *Mongo) SaveBlockEvent(e store.BlockEvent) error {
	_, err := m.col("events").UpdateOne(context.Background(),
		bson.M{"service": e.Service, "signature": e.Signature},
		bson.M{"$set": bson.M{"payload": e.Payload, "status": e.Status}},
		options.Update().SetUpsert(true))

	return err
}

// FailedBlockEvents returns the events whose delivery failed.
func (m *Mongo) FailedBlockEvents(service string) ([]store.BlockEvent, error) {
	cur, err := m.col("events").Find(context.Background(),
		bson.M{"service": service, "status": store.EventError})
	if err != nil {
		return nil, fmt.Errorf("could not query events: %w", err)
	}
	defer cur.Close(context.Background())

	var out []store.BlockEvent

	for cur.Next(context.Background()) {
		var e store.BlockEvent
		if err = cur.Decode(&e); err != nil {
			return nil, fmt.Errorf("could not decode event: %w", err)
		}

		out = append(out, e)
	}

	return out, cur.Err()
}
