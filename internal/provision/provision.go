// Package provision creates and publishes a device's key bundle: identity,
// registration id, signed prekey and a batch of one-time prekeys. The whole
// operation is idempotent; calling it on an already provisioned device only
// fills gaps.
package provision

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"time"

	"campus-chat/go-e2ee/internal/keystore"
	"campus-chat/go-e2ee/internal/session"
	"campus-chat/go-e2ee/pkg/models"
)

const (
	signedPreKeyID = 1
	oneTimeBatch   = 15
	lowWaterMark   = 5
)

// signedPreKeyMaxAge is how old the current signed prekey may get before
// EnsureDeviceKeys rotates it.
const signedPreKeyMaxAge = 30 * 24 * time.Hour

// Publisher pushes a bundle to the directory. internal/relay satisfies it.
type Publisher interface {
	RegisterDevice(ctx context.Context, req models.RegisterDeviceRequest) error
	TopUpPreKeys(ctx context.Context, req models.RegisterDeviceRequest) error
}

type Provisioner struct {
	keys *keystore.DeviceStore
	pub  Publisher
	log  *slog.Logger
	now  func() time.Time
}

func New(keys *keystore.DeviceStore, pub Publisher, log *slog.Logger) *Provisioner {
	if log == nil {
		log = slog.Default()
	}
	return &Provisioner{keys: keys, pub: pub, log: log, now: time.Now}
}

// EnsureDeviceKeys makes the device fully provisioned: identity and
// registration id exist, the signed prekey is present and fresh, the one-time
// pool is topped up, and the resulting bundle is published. Any failure
// aborts the call; locally stored material is kept so a retry resumes where
// it left off.
func (p *Provisioner) EnsureDeviceKeys(ctx context.Context) error {
	identity, err := p.ensureIdentity()
	if err != nil {
		return err
	}
	if err := p.ensureRegistrationID(); err != nil {
		return err
	}
	spk, err := p.ensureSignedPreKey(identity)
	if err != nil {
		return err
	}
	if err := p.ensureOneTimePool(); err != nil {
		return err
	}
	// Publish the whole unconsumed pool, not just keys generated this call:
	// a retry after a failed publish finds the pool already full locally and
	// must still hand the directory every public half.
	pool, err := p.keys.PreKeys()
	if err != nil {
		return err
	}

	regID, _, err := p.keys.RegistrationID()
	if err != nil {
		return err
	}
	req := models.RegisterDeviceRequest{
		DeviceID:        p.keys.DeviceID(),
		RegistrationID:  regID,
		IdentityPub:     identity.PublicKey,
		SignedPreKeyID:  spk.KeyID,
		SignedPreKeyPub: spk.PublicKey,
		SignedPreKeySig: spk.Signature,
		OneTimePreKeys:  publicEnvelopes(pool),
	}
	if err := p.pub.RegisterDevice(ctx, req); err != nil {
		return fmt.Errorf("publish bundle: %w", err)
	}
	p.log.Info("device provisioned",
		"device_id", p.keys.DeviceID(),
		"registration_id", regID,
		"one_time_prekeys", len(pool))
	return nil
}

// TopUpPreKeys publishes a fresh one-time batch when the local pool is below
// the low-water mark. It is the periodic companion to EnsureDeviceKeys.
func (p *Provisioner) TopUpPreKeys(ctx context.Context) error {
	count, err := p.keys.PreKeyCount()
	if err != nil {
		return err
	}
	if count >= lowWaterMark {
		return nil
	}
	fresh, err := p.generateOneTimeBatch(oneTimeBatch - count)
	if err != nil {
		return err
	}
	req := models.RegisterDeviceRequest{
		DeviceID:       p.keys.DeviceID(),
		OneTimePreKeys: fresh,
	}
	if err := p.pub.TopUpPreKeys(ctx, req); err != nil {
		return fmt.Errorf("publish prekeys: %w", err)
	}
	p.log.Info("one-time prekeys topped up", "device_id", p.keys.DeviceID(), "count", len(fresh))
	return nil
}

func (p *Provisioner) ensureIdentity() (session.Identity, error) {
	pair, ok, err := p.keys.Identity()
	if err != nil {
		return session.Identity{}, err
	}
	if !ok {
		seed, err := session.GenerateIdentitySeed()
		if err != nil {
			return session.Identity{}, err
		}
		identity, err := session.DeriveIdentity(seed)
		if err != nil {
			return session.Identity{}, err
		}
		pair = keystore.IdentityKeyPair{
			Seed:            seed,
			SigningPublic:   session.SigningKeyOf(identity.PublicKey),
			AgreementPublic: session.AgreementKeyOf(identity.PublicKey),
		}
		if err := p.keys.StoreIdentity(pair); err != nil {
			return session.Identity{}, err
		}
		return identity, nil
	}
	return session.DeriveIdentity(pair.Seed)
}

func (p *Provisioner) ensureRegistrationID() error {
	_, ok, err := p.keys.RegistrationID()
	if err != nil || ok {
		return err
	}
	return p.keys.StoreRegistrationID(models.DeviceNumericID(p.keys.DeviceID()))
}

func (p *Provisioner) ensureSignedPreKey(identity session.Identity) (keystore.SignedPreKeyRecord, error) {
	rec, ok, err := p.keys.SignedPreKey()
	if err != nil {
		return keystore.SignedPreKeyRecord{}, err
	}
	if ok && p.now().Sub(rec.CreatedAt) < signedPreKeyMaxAge {
		return rec, nil
	}
	priv, pub, err := session.GenerateAgreementKey()
	if err != nil {
		return keystore.SignedPreKeyRecord{}, err
	}
	rec = keystore.SignedPreKeyRecord{
		KeyID:      signedPreKeyID,
		PublicKey:  pub,
		PrivateKey: priv,
		Signature:  ed25519.Sign(identity.SigningPrivate, pub),
		CreatedAt:  p.now().UTC(),
	}
	if err := p.keys.StoreSignedPreKey(rec); err != nil {
		return keystore.SignedPreKeyRecord{}, err
	}
	return rec, nil
}

// ensureOneTimePool fills the pool back up to the batch size.
func (p *Provisioner) ensureOneTimePool() error {
	count, err := p.keys.PreKeyCount()
	if err != nil {
		return err
	}
	if count >= oneTimeBatch {
		return nil
	}
	_, err = p.generateOneTimeBatch(oneTimeBatch - count)
	return err
}

func publicEnvelopes(pool []keystore.PreKeyRecord) []models.PreKeyEnvelope {
	out := make([]models.PreKeyEnvelope, 0, len(pool))
	for _, rec := range pool {
		out = append(out, models.PreKeyEnvelope{KeyID: rec.KeyID, PublicKey: rec.PublicKey})
	}
	return out
}

func (p *Provisioner) generateOneTimeBatch(n int) ([]models.PreKeyEnvelope, error) {
	nextID, err := p.keys.NextPreKeyID()
	if err != nil {
		return nil, err
	}
	out := make([]models.PreKeyEnvelope, 0, n)
	for i := 0; i < n; i++ {
		priv, pub, err := session.GenerateAgreementKey()
		if err != nil {
			return nil, err
		}
		rec := keystore.PreKeyRecord{KeyID: nextID, PublicKey: pub, PrivateKey: priv}
		if err := p.keys.StorePreKey(rec); err != nil {
			return nil, err
		}
		out = append(out, models.PreKeyEnvelope{KeyID: rec.KeyID, PublicKey: rec.PublicKey})
		nextID++
	}
	if err := p.keys.StoreNextPreKeyID(nextID); err != nil {
		return nil, err
	}
	return out, nil
}
