// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package waddrmgr

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/walletcore/pkg/btcunit"
	"github.com/btcsuite/walletcore/wtxmgr"
)

// DefaultLookahead is the number of scripts past the next unused index that
// are watched on each keychain.
const DefaultLookahead = 20

// ScriptTemplate is a derived wallet script together with everything a
// transaction builder and an external signer need to spend from it.
type ScriptTemplate struct {
	// PkScript is the output script.
	PkScript []byte

	// Address is the encoded form of PkScript.
	Address btcutil.Address

	// Type is the kind of script.
	Type AddressType

	// Keychain and Index locate the key below the account.
	Keychain wtxmgr.Keychain
	Index    uint32

	// ExpectedWitnessWeight is the witness weight of a single signature
	// spend of the script.
	ExpectedWitnessWeight btcunit.WeightUnit

	// Derivation is the full BIP32 path from the master key.
	Derivation []uint32

	// MasterKeyFingerprint is the fingerprint of the master key, or zero
	// when unknown.
	MasterKeyFingerprint uint32

	// PubKey is the derived key. For taproot outputs it is the internal
	// key, before the BIP86 tweak.
	PubKey *btcec.PublicKey
}

// ProviderOption customises a Provider.
type ProviderOption func(*Provider)

// WithMasterFingerprint records the master key fingerprint in every derived
// template so external signers can locate the key.
func WithMasterFingerprint(fingerprint uint32) ProviderOption {
	return func(p *Provider) {
		p.fingerprint = fingerprint
	}
}

// Provider derives the scripts of a single watch-only account from its
// extended public key and tracks which indexes have been used.
type Provider struct {
	chainParams *chaincfg.Params
	scope       KeyScope
	addrType    AddressType
	account     uint32
	fingerprint uint32
	lookahead   uint32

	mu sync.Mutex

	// branches holds the external and internal branch keys.
	branches [2]*hdkeychain.ExtendedKey

	// derived caches the templates of each branch from index zero.
	derived [2][]ScriptTemplate

	// nextUnused is the lowest index of each branch not yet used.
	nextUnused [2]uint32

	// byScript indexes every derived template by its output script.
	byScript map[string]ScriptTemplate
}

// NewProvider creates a provider for the account key encoded in accountKey.
// A private key is accepted and neutered right away.
func NewProvider(params *chaincfg.Params, scope KeyScope, accountKey string,
	lookahead uint32, opts ...ProviderOption) (*Provider, error) {

	addrType, err := scope.addrType()
	if err != nil {
		return nil, err
	}

	key, err := hdkeychain.NewKeyFromString(accountKey)
	if err != nil {
		return nil, fmt.Errorf("unable to parse account key: %w", err)
	}

	if !key.IsForNet(params) {
		return nil, fmt.Errorf("%w: want %v", ErrWrongNet, params.Name)
	}

	if key.IsPrivate() {
		key, err = key.Neuter()
		if err != nil {
			return nil, err
		}
	}

	account := key.ChildIndex()
	if account >= hdkeychain.HardenedKeyStart {
		account -= hdkeychain.HardenedKeyStart
	}

	p := &Provider{
		chainParams: params,
		scope:       scope,
		addrType:    addrType,
		account:     account,
		lookahead:   lookahead,
		byScript:    make(map[string]ScriptTemplate),
	}
	for _, opt := range opts {
		opt(p)
	}

	for _, keychain := range []wtxmgr.Keychain{
		wtxmgr.KeychainExternal, wtxmgr.KeychainInternal,
	} {

		branch, err := key.Derive(uint32(keychain))
		if err != nil {
			return nil, fmt.Errorf("unable to derive %v branch: %w",
				keychain, err)
		}
		p.branches[keychain] = branch

		if err := p.extendLocked(keychain, lookahead); err != nil {
			return nil, err
		}
	}

	log.Infof("Loaded %v account %d under scope %v with lookahead %d",
		addrType, account, scope, lookahead)

	return p, nil
}

// Scope returns the key scope of the account.
func (p *Provider) Scope() KeyScope {
	return p.scope
}

// AddressType returns the script type the account derives.
func (p *Provider) AddressType() AddressType {
	return p.addrType
}

// WitnessWeight returns the witness weight of spending any script of the
// account.
func (p *Provider) WitnessWeight() btcunit.WeightUnit {
	return p.addrType.witnessWeight()
}

// Derive returns the template at the index of the keychain.
func (p *Provider) Derive(keychain wtxmgr.Keychain,
	index uint32) (ScriptTemplate, error) {

	if err := checkKeychain(keychain); err != nil {
		return ScriptTemplate{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.extendLocked(keychain, index+1); err != nil {
		return ScriptTemplate{}, err
	}

	return p.derived[keychain][index], nil
}

// NextUnusedIndex returns the lowest index of the keychain that has not been
// marked used.
func (p *Provider) NextUnusedIndex(keychain wtxmgr.Keychain) uint32 {
	if checkKeychain(keychain) != nil {
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return p.nextUnused[keychain]
}

// MarkUsed records that the index has received funds, moving the next unused
// index past it and extending the watched window.
func (p *Provider) MarkUsed(keychain wtxmgr.Keychain, index uint32) error {
	if err := checkKeychain(keychain); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if index < p.nextUnused[keychain] {
		return nil
	}

	p.nextUnused[keychain] = index + 1

	log.Debugf("Next unused %v index is now %d", keychain, index+1)

	return p.extendLocked(keychain, index+1+p.lookahead)
}

// NewAddress returns the next unused template of the keychain and marks it
// used so it is not handed out twice.
func (p *Provider) NewAddress(keychain wtxmgr.Keychain) (ScriptTemplate,
	error) {

	if err := checkKeychain(keychain); err != nil {
		return ScriptTemplate{}, err
	}

	p.mu.Lock()
	index := p.nextUnused[keychain]
	p.mu.Unlock()

	tmpl, err := p.Derive(keychain, index)
	if err != nil {
		return ScriptTemplate{}, err
	}

	return tmpl, p.MarkUsed(keychain, index)
}

// Scripts returns every script up to the lookahead window of both keychains,
// external first and in index order. This is the watch list handed to the
// chain source.
func (p *Provider) Scripts() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	var scripts [][]byte
	for keychain := range p.derived {
		limit := p.nextUnused[keychain] + p.lookahead
		for _, tmpl := range p.derived[keychain][:limit] {
			scripts = append(scripts, tmpl.PkScript)
		}
	}

	return scripts
}

// Lookup returns the template that derived the script.
func (p *Provider) Lookup(pkScript []byte) (ScriptTemplate, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tmpl, ok := p.byScript[string(pkScript)]

	return tmpl, ok
}

// extendLocked derives templates of the keychain until count are cached.
//
// NOTE: The caller must hold the lock.
func (p *Provider) extendLocked(keychain wtxmgr.Keychain, count uint32) error {
	for index := uint32(len(p.derived[keychain])); index < count; index++ {
		tmpl, err := p.deriveTemplate(keychain, index)
		if err != nil {
			return err
		}

		p.derived[keychain] = append(p.derived[keychain], tmpl)
		p.byScript[string(tmpl.PkScript)] = tmpl
	}

	return nil
}

// deriveTemplate derives the key at index on the branch and builds its
// script.
func (p *Provider) deriveTemplate(keychain wtxmgr.Keychain,
	index uint32) (ScriptTemplate, error) {

	child, err := p.branches[keychain].Derive(index)
	if err != nil {
		return ScriptTemplate{}, fmt.Errorf("unable to derive %v/%d: "+
			"%w", keychain, index, err)
	}

	pubKey, err := child.ECPubKey()
	if err != nil {
		return ScriptTemplate{}, err
	}

	var addr btcutil.Address
	switch p.addrType {
	case TaprootPubKey:
		outputKey := txscript.ComputeTaprootKeyNoScript(pubKey)
		addr, err = btcutil.NewAddressTaproot(
			schnorr.SerializePubKey(outputKey), p.chainParams,
		)

	default:
		addr, err = btcutil.NewAddressWitnessPubKeyHash(
			btcutil.Hash160(pubKey.SerializeCompressed()),
			p.chainParams,
		)
	}
	if err != nil {
		return ScriptTemplate{}, err
	}

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return ScriptTemplate{}, err
	}

	path := append(
		p.scope.accountPath(p.account), uint32(keychain), index,
	)

	return ScriptTemplate{
		PkScript:              pkScript,
		Address:               addr,
		Type:                  p.addrType,
		Keychain:              keychain,
		Index:                 index,
		ExpectedWitnessWeight: p.addrType.witnessWeight(),
		Derivation:            path,
		MasterKeyFingerprint:  p.fingerprint,
		PubKey:                pubKey,
	}, nil
}

func checkKeychain(keychain wtxmgr.Keychain) error {
	switch keychain {
	case wtxmgr.KeychainExternal, wtxmgr.KeychainInternal:
		return nil

	default:
		return fmt.Errorf("%w: %v", ErrUnknownKeychain, keychain)
	}
}
